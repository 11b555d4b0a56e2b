package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/tasker/workflow"
)

func noopHandler(string) workflow.StepHandlerFunc {
	return func(context.Context, *workflow.StepRequest) (map[string]any, error) {
		return map[string]any{}, nil
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build", Version: "1.0.0"}, noopHandler("a")))

	h, err := r.Resolve(workflow.HandlerRef{Namespace: "ci", Name: "build", Version: "1.0.0"})
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Resolve(workflow.HandlerRef{Namespace: "ci", Name: "missing"})
	assert.Error(t, err)
}

func TestResolveWithoutVersionPicksHighest(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build", Version: "1.0.0"}, noopHandler("a")))
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build", Version: "1.2.0"}, noopHandler("b")))

	info, ok := r.Get("ci", "build", "")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", info.Version)

	_, err := r.Resolve(workflow.HandlerRef{Namespace: "ci", Name: "build"})
	assert.NoError(t, err)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	info := Info{Namespace: "ci", Name: "build", Version: "1.0.0"}
	require.NoError(t, r.RegisterFunc(info, noopHandler("a")))
	assert.Error(t, r.RegisterFunc(info, noopHandler("b")))
}

func TestRegisterDefaultsVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build"}, noopHandler("a")))

	info, ok := r.Get("ci", "build", DefaultVersion)
	require.True(t, ok)
	assert.Equal(t, DefaultVersion, info.Version)
}

func TestValidateBindings(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build", Version: "1.0.0"}, noopHandler("a")))

	ok := &workflow.NamedTask{
		Name: "release", Namespace: "payments", Version: "1.0.0",
		Steps: []workflow.NamedStep{{
			Name:    "build",
			Handler: workflow.HandlerRef{Namespace: "ci", Name: "build", Version: "1.0.0"},
		}},
	}
	assert.NoError(t, r.ValidateBindings([]*workflow.NamedTask{ok}))

	broken := &workflow.NamedTask{
		Name: "release", Namespace: "payments", Version: "2.0.0",
		Steps: []workflow.NamedStep{{
			Name:    "deploy",
			Handler: workflow.HandlerRef{Namespace: "cd", Name: "deploy"},
		}},
	}
	assert.Error(t, r.ValidateBindings([]*workflow.NamedTask{broken}))
}

func TestListOrdering(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(Info{Namespace: "cd", Name: "deploy", Version: "1.0.0"}, noopHandler("a")))
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build", Version: "1.1.0"}, noopHandler("b")))
	require.NoError(t, r.RegisterFunc(Info{Namespace: "ci", Name: "build", Version: "1.0.0"}, noopHandler("c")))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "cd", infos[0].Namespace)
	assert.Equal(t, "1.0.0", infos[1].Version)
	assert.Equal(t, "1.1.0", infos[2].Version)

	ci := r.ListNamespace("ci")
	assert.Len(t, ci, 2)
}
