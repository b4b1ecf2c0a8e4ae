package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/textbook/internal/handlers/middleware"
	"github.com/nkiryanov/textbook/internal/logger"
	"github.com/nkiryanov/textbook/internal/repository/postgres"
	"github.com/nkiryanov/textbook/internal/service/auth"
	"github.com/nkiryanov/textbook/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/textbook/internal/testutil"
)

// Run server over db transaction (one connection cause one transaction)
// Requests have to be sequential then
func serveWithTx(t *testing.T, tx pgx.Tx) testServer {
	t.Helper()

	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		Keys: tokenmanager.Keys{
			Access:  []byte("test-access-secret"),
			Refresh: []byte("test-refresh-secret"),
		},
	})
	require.NoError(t, err, "token manager should be created without errors")

	s, err := auth.NewService(auth.Config{}, tokenManager, postgres.NewStorage(tx))
	require.NoError(t, err, "auth service starting error")

	router := NewRouter(s, RouterConfig{
		AuthRateLimit: middleware.RateLimitConfig{Requests: 1000, Window: time.Minute},
	}, logger.NewNoOpLogger())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return testServer{url: srv.URL, auth: s}
}

func Test_HandlersPostgres(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("session lifecycle", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			srv := serveWithTx(t, tx)

			resp, body := srv.do(t, http.MethodPost, "/auth/register", "", `{"username": "alice", "email": "alice@example.com", "password": "correct-horse"}`)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)

			resp, body = srv.do(t, http.MethodPost, "/auth/register", "", `{"username": "alice", "password": "correct-horse"}`)
			require.Equalf(t, http.StatusConflict, resp.StatusCode, "not expected code. Body: %s", body)

			resp, body = srv.do(t, http.MethodPost, "/auth/login", "", `{"username": "alice", "password": "correct-horse"}`)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			p1 := srv.tokens(t, body)

			resp, body = srv.do(t, http.MethodGet, "/users/me", p1.AccessToken, "")
			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			require.Contains(t, body, `"username":"alice"`)

			resp, body = srv.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token": "`+p1.RefreshToken+`"}`)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			p2 := srv.tokens(t, body)

			resp, _ = srv.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token": "`+p1.RefreshToken+`"}`)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "rotated token must not work")

			resp, _ = srv.do(t, http.MethodPost, "/auth/logout", p2.AccessToken, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)

			resp, _ = srv.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token": "`+p2.RefreshToken+`"}`)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "session is over after logout")
		})
	})
}
