package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lat-frontend/latd/internal/testutil"
)

func TestAttachAdminRoutesServesDatabaseStats(t *testing.T) {
	d := newTestDB(t)
	if err := d.AddAnchor(1, 1, 2); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/db-stats")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)

	var stats DatabaseStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode db-stats response: %v", err)
	}
	if len(stats.Tables) == 0 {
		t.Fatal("expected at least one table in database stats")
	}
}

func TestAttachAdminRoutesServesTailsqlDebugUI(t *testing.T) {
	d := newTestDB(t)

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tailsql/")
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
}
