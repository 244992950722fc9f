package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kartei-app/kartei/internal/auth"
	"github.com/kartei-app/kartei/internal/identity"
	"github.com/kartei-app/kartei/internal/importer"
	"github.com/kartei-app/kartei/internal/review"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler http.Handler
	db      *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&identity.User{}, &review.Deck{}, &review.Card{}, &review.ReviewEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC) }
	idProvider := review.NewUUIDProvider()

	identities, err := identity.NewService(identity.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	reviews, err := review.NewService(review.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build review service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "kartei-auth",
		Audience:      "kartei-api",
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:    issuer,
		IdentityService: identities,
		ReviewService:   reviews,
		Importer:        importer.New(db, reviews, zap.NewNop()),
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testServer{handler: handler, db: db}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else if raw, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(raw))
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	payload := map[string]interface{}{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func (s *testServer) registerAndLogin(t *testing.T, username, password string, admin bool) string {
	t.Helper()
	register := s.do(t, http.MethodPost, "/auth/register", "", map[string]interface{}{
		"username": username,
		"password": password,
	})
	if register.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", register.Code, register.Body.String())
	}
	if admin {
		if err := s.db.Model(&identity.User{}).Where("username = ?", username).Update("is_admin", true).Error; err != nil {
			t.Fatalf("failed to promote %s: %v", username, err)
		}
	}

	login := s.do(t, http.MethodPost, "/auth/login", "", map[string]interface{}{
		"username": username,
		"password": password,
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login status = %d body %s", login.Code, login.Body.String())
	}
	token, _ := decodeBody(t, login)["access_token"].(string)
	if token == "" {
		t.Fatal("login response missing access_token")
	}
	return token
}

func TestRegisterValidation(t *testing.T) {
	server := newTestServer(t)

	missing := server.do(t, http.MethodPost, "/auth/register", "", map[string]interface{}{"username": "alice"})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", missing.Code)
	}
	if message, _ := decodeBody(t, missing)["error"].(string); message != "username and password are required" {
		t.Fatalf("error = %q", message)
	}

	first := server.do(t, http.MethodPost, "/auth/register", "", map[string]interface{}{"username": "alice", "password": "secret"})
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", first.Code)
	}
	duplicate := server.do(t, http.MethodPost, "/auth/register", "", map[string]interface{}{"username": "alice", "password": "other"})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", duplicate.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)

	response := server.do(t, http.MethodPost, "/decks", "", map[string]interface{}{"name": "Spanish"})
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", response.Code)
	}

	garbage := server.do(t, http.MethodPost, "/decks", "not-a-real-token", map[string]interface{}{"name": "Spanish"})
	if garbage.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", garbage.Code)
	}
}

func TestAnonymousSeesSharedDecksOnly(t *testing.T) {
	server := newTestServer(t)
	adminToken := server.registerAndLogin(t, "admin", "admin-secret", true)
	userToken := server.registerAndLogin(t, "alice", "alice-secret", false)

	if response := server.do(t, http.MethodPost, "/decks", adminToken, map[string]interface{}{"name": "Core", "shared": true}); response.Code != http.StatusCreated {
		t.Fatalf("shared deck create status = %d", response.Code)
	}
	if response := server.do(t, http.MethodPost, "/decks", userToken, map[string]interface{}{"name": "Mine"}); response.Code != http.StatusCreated {
		t.Fatalf("personal deck create status = %d", response.Code)
	}

	anonymous := server.do(t, http.MethodGet, "/decks", "", nil)
	if anonymous.Code != http.StatusOK {
		t.Fatalf("anonymous list status = %d", anonymous.Code)
	}
	decks, _ := decodeBody(t, anonymous)["decks"].([]interface{})
	if len(decks) != 1 {
		t.Fatalf("anonymous sees %d decks, want 1", len(decks))
	}

	signedIn := server.do(t, http.MethodGet, "/decks", userToken, nil)
	if signedIn.Code != http.StatusOK {
		t.Fatalf("signed-in list status = %d", signedIn.Code)
	}
	if decks, _ := decodeBody(t, signedIn)["decks"].([]interface{}); len(decks) != 2 {
		t.Fatalf("signed-in user sees %d decks, want 2", len(decks))
	}
}

func TestSharedDeckCreationRequiresAdmin(t *testing.T) {
	server := newTestServer(t)
	userToken := server.registerAndLogin(t, "alice", "alice-secret", false)

	response := server.do(t, http.MethodPost, "/decks", userToken, map[string]interface{}{"name": "Core", "shared": true})
	if response.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", response.Code)
	}
}

func TestReviewCycleOverHTTP(t *testing.T) {
	server := newTestServer(t)
	userToken := server.registerAndLogin(t, "alice", "alice-secret", false)

	created := server.do(t, http.MethodPost, "/decks", userToken, map[string]interface{}{"name": "Spanish"})
	if created.Code != http.StatusCreated {
		t.Fatalf("deck create status = %d", created.Code)
	}
	deckID, _ := decodeBody(t, created)["deck_id"].(string)

	added := server.do(t, http.MethodPost, "/decks/"+deckID+"/cards", userToken, map[string]interface{}{"front": "hola", "back": "hello"})
	if added.Code != http.StatusCreated {
		t.Fatalf("card create status = %d", added.Code)
	}

	// Grading with no card presented is rejected outright.
	premature := server.do(t, http.MethodPost, "/reviews", userToken, map[string]interface{}{"grade": "good"})
	if premature.Code != http.StatusConflict {
		t.Fatalf("premature grade status = %d, want 409", premature.Code)
	}
	if message, _ := decodeBody(t, premature)["error"].(string); message != "no_card_presented" {
		t.Fatalf("premature grade error = %q", message)
	}

	next := server.do(t, http.MethodGet, "/decks/"+deckID+"/next", userToken, nil)
	if next.Code != http.StatusOK {
		t.Fatalf("next card status = %d", next.Code)
	}
	card, _ := decodeBody(t, next)["card"].(map[string]interface{})
	if card == nil {
		t.Fatal("expected a due card")
	}
	if back, ok := card["back"]; ok && back != "" {
		t.Fatalf("scheduled cycle must withhold the back, got %v", back)
	}

	// Grading before the flip is the session machine's core rejection.
	unflipped := server.do(t, http.MethodPost, "/reviews", userToken, map[string]interface{}{"grade": "good"})
	if unflipped.Code != http.StatusConflict {
		t.Fatalf("unflipped grade status = %d, want 409", unflipped.Code)
	}
	if message, _ := decodeBody(t, unflipped)["error"].(string); message != "flip_before_rating" {
		t.Fatalf("unflipped grade error = %q", message)
	}

	reveal := server.do(t, http.MethodPost, "/reviews/reveal", userToken, nil)
	if reveal.Code != http.StatusOK {
		t.Fatalf("reveal status = %d", reveal.Code)
	}
	if back, _ := decodeBody(t, reveal)["back"].(string); back != "hello" {
		t.Fatalf("revealed back = %q, want hello", back)
	}

	graded := server.do(t, http.MethodPost, "/reviews", userToken, map[string]interface{}{"grade": "good"})
	if graded.Code != http.StatusOK {
		t.Fatalf("grade status = %d body %s", graded.Code, graded.Body.String())
	}
	state, _ := decodeBody(t, graded)["state"].(map[string]interface{})
	if state == nil {
		t.Fatal("grade response missing state")
	}
	if interval, _ := state["interval_days"].(float64); interval != 1 {
		t.Fatalf("first good review interval = %v, want 1", interval)
	}

	undone := server.do(t, http.MethodPost, "/reviews/undo", userToken, nil)
	if undone.Code != http.StatusOK {
		t.Fatalf("undo status = %d body %s", undone.Code, undone.Body.String())
	}

	again := server.do(t, http.MethodPost, "/reviews/undo", userToken, nil)
	if again.Code != http.StatusConflict {
		t.Fatalf("second undo status = %d, want 409", again.Code)
	}
	if message, _ := decodeBody(t, again)["error"].(string); message != "nothing_to_undo" {
		t.Fatalf("second undo error = %q", message)
	}
}

func TestPracticeModeReturnsFullCard(t *testing.T) {
	server := newTestServer(t)
	adminToken := server.registerAndLogin(t, "admin", "admin-secret", true)
	userToken := server.registerAndLogin(t, "alice", "alice-secret", false)

	created := server.do(t, http.MethodPost, "/decks", adminToken, map[string]interface{}{"name": "Core", "shared": true})
	if created.Code != http.StatusCreated {
		t.Fatalf("deck create status = %d", created.Code)
	}
	deckID, _ := decodeBody(t, created)["deck_id"].(string)
	if response := server.do(t, http.MethodPost, "/decks/"+deckID+"/cards", adminToken, map[string]interface{}{"front": "hola", "back": "hello"}); response.Code != http.StatusCreated {
		t.Fatalf("card create status = %d", response.Code)
	}

	next := server.do(t, http.MethodGet, "/decks/"+deckID+"/next", userToken, nil)
	if next.Code != http.StatusOK {
		t.Fatalf("next card status = %d", next.Code)
	}
	payload := decodeBody(t, next)
	if practice, _ := payload["practice_mode"].(bool); !practice {
		t.Fatal("expected practice mode for a viewer of a shared deck")
	}
	card, _ := payload["card"].(map[string]interface{})
	if back, _ := card["back"].(string); back != "hello" {
		t.Fatalf("practice card back = %q, want hello", back)
	}

	counts := server.do(t, http.MethodGet, "/decks/"+deckID+"/counts", userToken, nil)
	if counts.Code != http.StatusOK {
		t.Fatalf("counts status = %d", counts.Code)
	}
	if practice, _ := decodeBody(t, counts)["practice_mode"].(bool); !practice {
		t.Fatal("counts should flag practice mode for non-scheduling viewers")
	}
}

func TestDeckCountsPayload(t *testing.T) {
	server := newTestServer(t)
	userToken := server.registerAndLogin(t, "alice", "alice-secret", false)

	created := server.do(t, http.MethodPost, "/decks", userToken, map[string]interface{}{"name": "Spanish"})
	deckID, _ := decodeBody(t, created)["deck_id"].(string)
	if response := server.do(t, http.MethodPost, "/decks/"+deckID+"/cards", userToken, map[string]interface{}{"front": "hola", "back": "hello"}); response.Code != http.StatusCreated {
		t.Fatalf("card create status = %d", response.Code)
	}

	counts := server.do(t, http.MethodGet, "/decks/"+deckID+"/counts", userToken, nil)
	if counts.Code != http.StatusOK {
		t.Fatalf("counts status = %d", counts.Code)
	}
	payload := decodeBody(t, counts)
	if total, _ := payload["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", total)
	}
	if due, _ := payload["due"].(float64); due != 1 {
		t.Fatalf("due = %v, want 1", due)
	}
}

func TestImportEndpoint(t *testing.T) {
	server := newTestServer(t)
	adminToken := server.registerAndLogin(t, "admin", "admin-secret", true)
	userToken := server.registerAndLogin(t, "alice", "alice-secret", false)

	denied := server.do(t, http.MethodPost, "/decks/import?name=Core", userToken, "hola,hello\n")
	if denied.Code != http.StatusForbidden {
		t.Fatalf("non-admin import status = %d, want 403", denied.Code)
	}

	imported := server.do(t, http.MethodPost, "/decks/import?name=Core", adminToken, "front,back\nhola,hello\nadios,goodbye\n")
	if imported.Code != http.StatusOK {
		t.Fatalf("import status = %d body %s", imported.Code, imported.Body.String())
	}
	payload := decodeBody(t, imported)
	if inserted, _ := payload["inserted"].(float64); inserted != 2 {
		t.Fatalf("inserted = %v, want 2", inserted)
	}

	unnamed := server.do(t, http.MethodPost, "/decks/import", adminToken, "hola,hello\n")
	if unnamed.Code != http.StatusBadRequest {
		t.Fatalf("unnamed import status = %d, want 400", unnamed.Code)
	}
}

func TestDeckAccessControl(t *testing.T) {
	server := newTestServer(t)
	aliceToken := server.registerAndLogin(t, "alice", "alice-secret", false)
	bobToken := server.registerAndLogin(t, "bob", "bob-secret", false)

	created := server.do(t, http.MethodPost, "/decks", aliceToken, map[string]interface{}{"name": "Spanish"})
	deckID, _ := decodeBody(t, created)["deck_id"].(string)

	if response := server.do(t, http.MethodGet, "/decks/"+deckID+"/next", bobToken, nil); response.Code != http.StatusForbidden {
		t.Fatalf("foreign next-card status = %d, want 403", response.Code)
	}
	if response := server.do(t, http.MethodPost, "/decks/"+deckID+"/rename", bobToken, map[string]interface{}{"name": "Stolen"}); response.Code != http.StatusForbidden {
		t.Fatalf("foreign rename status = %d, want 403", response.Code)
	}
	if response := server.do(t, http.MethodDelete, "/decks/"+deckID, bobToken, nil); response.Code != http.StatusForbidden {
		t.Fatalf("foreign delete status = %d, want 403", response.Code)
	}
	if response := server.do(t, http.MethodGet, "/decks/missing/next", aliceToken, nil); response.Code != http.StatusNotFound {
		t.Fatalf("missing deck status = %d, want 404", response.Code)
	}
}
