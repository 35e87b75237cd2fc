package offline_test

import (
	"net/http/httptest"
	"testing"

	offline "github.com/tallyup/offline"
	"github.com/tallyup/offline/internal/remote/remotetest"
)

// stubEnv is an in-process backend behind a real HTTP listener.
type stubEnv struct {
	stub    *remotetest.Server
	backend *offline.RESTBackend
}

func newStubEnv(t *testing.T) *stubEnv {
	t.Helper()
	stub := remotetest.NewServer()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return &stubEnv{
		stub:    stub,
		backend: offline.NewRESTBackend(srv.URL),
	}
}
