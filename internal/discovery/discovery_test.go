package discovery_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/chainmail/internal/discovery"
)

func TestClient_ListPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"url":"https://a.example/","port":3000,"lastSeen":"2025-06-01T10:00:00Z"},{"url":""},{"url":"http://b.example"}]`)) //nolint:errcheck
	}))
	defer srv.Close()

	peers, err := discovery.NewClient(srv.URL+"/", time.Second, nil).ListPeers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 || peers[0] != "https://a.example" || peers[1] != "http://b.example" {
		t.Errorf("unexpected peers: %v", peers)
	}
}

func TestClient_ListPeersUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := discovery.NewClient(srv.URL, time.Second, nil).ListPeers(context.Background())
	if !errors.Is(err, discovery.ErrDirectoryUnavailable) {
		t.Errorf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestClient_HeartbeatCarriesToken(t *testing.T) {
	tokens := discovery.NewTokenIssuer("s3cret", 0)
	var got struct {
		URL  string `json:"url"`
		Port int    `json:"port"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.Write([]byte(`{"success":true}`))  //nolint:errcheck
	}))
	defer srv.Close()

	if err := discovery.NewClient(srv.URL, time.Second, tokens).Heartbeat(context.Background(), "https://me.example", 3000); err != nil {
		t.Fatal(err)
	}
	if got.URL != "https://me.example" || got.Port != 3000 {
		t.Errorf("unexpected body: %+v", got)
	}
	claims, err := tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims.NodeURL != "https://me.example" || claims.ID == "" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestTokenIssuer_rejects(t *testing.T) {
	a := discovery.NewTokenIssuer("one", 0)
	b := discovery.NewTokenIssuer("two", 0)
	tok, err := a.Issue("https://me.example")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(tok); !errors.Is(err, discovery.ErrInvalidToken) {
		t.Errorf("wrong secret: expected ErrInvalidToken, got %v", err)
	}

	expired := discovery.NewTokenIssuer("one", -time.Minute)
	tok, err = expired.Issue("https://me.example")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Verify(tok); !errors.Is(err, discovery.ErrInvalidToken) {
		t.Errorf("expired: expected ErrInvalidToken, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	peers, err := discovery.Static{" http://a/ ", "", "http://b"}.ListPeers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 || peers[0] != "http://a" || peers[1] != "http://b" {
		t.Errorf("unexpected peers: %v", peers)
	}
}

type failingLister struct{}

func (failingLister) ListPeers(context.Context) ([]string, error) {
	return nil, discovery.ErrDirectoryUnavailable
}

func TestMulti(t *testing.T) {
	m := discovery.Multi{discovery.Static{"http://a", "http://b"}, failingLister{}, discovery.Static{"http://b", "http://c"}}
	peers, err := m.ListPeers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(peers, ",") != "http://a,http://b,http://c" {
		t.Errorf("unexpected peers: %v", peers)
	}

	if _, err := (discovery.Multi{failingLister{}}).ListPeers(context.Background()); err == nil {
		t.Error("expected error when every lister fails")
	}
}
