package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/protosup/internal/integration/server"
	"github.com/dshills/protosup/internal/testutil"
)

func TestRegistry_Kinds(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, []Kind{KindDebugpy, KindPyLSP}, r.Kinds())
}

func TestRegistry_Create(t *testing.T) {
	r := NewRegistry()
	env := testutil.FakeEnvironment(t)

	for _, kind := range r.Kinds() {
		srv, err := r.Create(context.Background(), kind, WithEnvironment(env))
		require.NoError(t, err, kind)
		require.Equal(t, string(kind), srv.Name())
		require.Equal(t, server.StateNoProcess, srv.State())
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := NewRegistry().Create(context.Background(), Kind("lldb"))
	require.ErrorIs(t, err, ErrUnknownKind)
}

type stubServer struct{ server.Server }

func (stubServer) Name() string { return "stub" }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(context.Context, ...Option) (server.Server, error) {
		return stubServer{}, nil
	})

	srv, err := r.Create(context.Background(), "stub")
	require.NoError(t, err)
	require.Equal(t, "stub", srv.Name())
	require.Len(t, r.Kinds(), 3)
}

func TestBuildOptions_Defaults(t *testing.T) {
	o := buildOptions(nil)
	require.Equal(t, ".venv", o.ProvisionRoot)
	require.Equal(t, "python3", o.BaseInterpreter)
	require.NotNil(t, o.Runner)
	require.Nil(t, o.Environment)
}
