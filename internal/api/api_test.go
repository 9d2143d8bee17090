package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/opencatd/opencatd/internal/kv"
	"github.com/opencatd/opencatd/internal/ledger"
	"github.com/opencatd/opencatd/internal/models"
	"github.com/opencatd/opencatd/internal/pricing"
	"github.com/opencatd/opencatd/internal/proxy"
	"github.com/opencatd/opencatd/internal/registry"
)

type fixedCounter int

func (f fixedCounter) Count(model, text string) (int, error) { return int(f), nil }

type apiFixture struct {
	router   *gin.Engine
	registry *registry.Registry
	ledger   *ledger.Ledger
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	t.Cleanup(upstream.Close)

	store := kv.NewMemoryStore()
	reg := registry.New(store)
	led := ledger.New(store, pricing.DefaultTable())
	p, errNew := proxy.New(reg, led, fixedCounter(1), nil, upstream.URL)
	if errNew != nil {
		t.Fatalf("new proxy: %v", errNew)
	}

	router := NewRouter(Deps{Store: store, Registry: reg, Ledger: led, Proxy: p})
	return &apiFixture{router: router, registry: reg, ledger: led}
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) initOwner(t *testing.T) models.Member {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/1/users/init", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("init: status %d body %s", rec.Code, rec.Body.String())
	}
	var owner models.Member
	if err := json.Unmarshal(rec.Body.Bytes(), &owner); err != nil {
		t.Fatalf("init: decode: %v", err)
	}
	return owner
}

func TestInitCreatesOwnerOnce(t *testing.T) {
	fixture := newAPIFixture(t)

	owner := fixture.initOwner(t)
	if owner.ID != 0 || owner.Name != "root" || owner.Token == "" {
		t.Fatalf("unexpected owner %+v", owner)
	}

	rec := fixture.do(t, http.MethodPost, "/1/users/init", "", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("second init: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "super user already exists, please input token") {
		t.Fatalf("second init: body %s", rec.Body.String())
	}
}

func TestAdminRoutesRequireOwnerToken(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := fixture.initOwner(t)

	if rec := fixture.do(t, http.MethodGet, "/1/users", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := fixture.do(t, http.MethodGet, "/1/users", "wrong-token", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", rec.Code)
	}

	member, _ := fixture.registry.AddMember(context.Background(), "alice")
	if rec := fixture.do(t, http.MethodGet, "/1/users", member.Token, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("member token must not open admin routes: status %d", rec.Code)
	}

	if rec := fixture.do(t, http.MethodGet, "/1/users", owner.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("owner token: status %d", rec.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := fixture.initOwner(t)

	rec := fixture.do(t, http.MethodPost, "/1/users", owner.Token, `{"name":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add: status %d body %s", rec.Code, rec.Body.String())
	}
	var alice models.Member
	_ = json.Unmarshal(rec.Body.Bytes(), &alice)
	if alice.ID != 1 || alice.Name != "alice" || alice.Token == "" {
		t.Fatalf("unexpected member %+v", alice)
	}

	rec = fixture.do(t, http.MethodPost, "/1/users", owner.Token, `{"name":""}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blank name: status %d", rec.Code)
	}

	rec = fixture.do(t, http.MethodGet, "/1/users", owner.Token, "")
	var listed []models.Member
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 2 || listed[0].ID != 0 || listed[1].ID != 1 {
		t.Fatalf("unexpected listing %+v", listed)
	}

	rec = fixture.do(t, http.MethodPost, "/1/users/1/reset", owner.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: status %d", rec.Code)
	}
	var rotated models.Member
	_ = json.Unmarshal(rec.Body.Bytes(), &rotated)
	if rotated.Token == alice.Token {
		t.Fatal("reset must rotate the token")
	}

	if rec := fixture.do(t, http.MethodPost, "/1/users/99/reset", owner.Token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("reset absent: status %d", rec.Code)
	}
	if rec := fixture.do(t, http.MethodDelete, "/1/users/abc", owner.Token, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("bad id: status %d", rec.Code)
	}
	if rec := fixture.do(t, http.MethodDelete, "/1/users/1", owner.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}
	// Deleting again still succeeds.
	if rec := fixture.do(t, http.MethodDelete, "/1/users/1", owner.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("re-delete: status %d", rec.Code)
	}
}

func TestKeyListingMasksSecrets(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := fixture.initOwner(t)

	rec := fixture.do(t, http.MethodPost, "/1/keys", owner.Token, `{"name":"primary","key":"sk-abc1234567890secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add key: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = fixture.do(t, http.MethodGet, "/1/keys", owner.Token, "")
	var listed []models.UpstreamKey
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 1 {
		t.Fatalf("unexpected listing %+v", listed)
	}
	masked := listed[0].Key
	if masked == "sk-abc1234567890secret" {
		t.Fatal("listing must not expose the raw secret")
	}
	if !strings.HasPrefix(masked, "sk-abc1") || !strings.HasSuffix(masked, "cret") {
		t.Fatalf("unexpected mask %q", masked)
	}

	if rec := fixture.do(t, http.MethodPost, "/1/keys", owner.Token, `{"name":"x","key":""}`); rec.Code != http.StatusForbidden {
		t.Fatalf("blank key: status %d", rec.Code)
	}
	if rec := fixture.do(t, http.MethodDelete, "/1/keys/1", owner.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete key: status %d", rec.Code)
	}
}

func TestWhoami(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := fixture.initOwner(t)

	rec := fixture.do(t, http.MethodGet, "/1/me", owner.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("whoami: status %d", rec.Code)
	}
	var me models.Member
	_ = json.Unmarshal(rec.Body.Bytes(), &me)
	if me.ID != 0 || me.Token != owner.Token {
		t.Fatalf("unexpected whoami %+v", me)
	}
}

func TestUsagesListing(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := fixture.initOwner(t)

	if _, err := fixture.ledger.Record(context.Background(), 1, "gpt-3.5-turbo", 10, 15); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := fixture.do(t, http.MethodGet, "/1/usages", owner.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usages: status %d", rec.Code)
	}
	var summaries []ledger.Summary
	_ = json.Unmarshal(rec.Body.Bytes(), &summaries)
	if len(summaries) != 1 || summaries[0].MemberID != 1 || summaries[0].TotalTokens != 25 {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
	if summaries[0].Cost != "0.0000500" {
		t.Fatalf("unexpected cost %q", summaries[0].Cost)
	}
}

func TestRelayRequiresMemberToken(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := fixture.initOwner(t)

	if rec := fixture.do(t, http.MethodGet, "/v1/models", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}

	member, _ := fixture.registry.AddMember(context.Background(), "alice")
	if _, err := fixture.registry.AddKey(context.Background(), "primary", "sk-secret"); err != nil {
		t.Fatalf("add key: %v", err)
	}
	if rec := fixture.do(t, http.MethodGet, "/v1/models", member.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("member token: status %d", rec.Code)
	}
	// The owner credential is a member credential too.
	if rec := fixture.do(t, http.MethodGet, "/v1/models", owner.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("owner token on relay: status %d", rec.Code)
	}
}

func TestRelayPreflightAnsweredLocally(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.initOwner(t)

	rec := fixture.do(t, http.MethodOptions, "/v1/chat/completions", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("preflight must allow any origin")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("preflight must allow credentials")
	}
}

func TestHealthz(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "true") {
		t.Fatalf("healthz body %s", rec.Body.String())
	}
}
