package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagefold/eventbus/contracts"
)

func chunkedDefinition() *Definition {
	return &Definition{
		EventType: "document.chunked",
		Required:  []string{"document_id"},
		Properties: map[string]Kind{
			"document_id": KindString,
			"chunk_count": KindNumber,
			"archived":    KindBool,
			"meta":        KindObject,
			"chunk_ids":   KindArray,
		},
	}
}

func conformingEnvelope(t *testing.T) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope("document.chunked", map[string]any{
		"document_id": "doc-1",
		"chunk_count": 12,
	})
	require.NoError(t, err)
	return env
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers and looks up a definition", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(chunkedDefinition()))

		schema, ok := r.GetSchema("document.chunked")
		require.True(t, ok)
		assert.Equal(t, "document.chunked", schema.(*Definition).EventType)
	})

	t.Run("unknown event type has no schema", func(t *testing.T) {
		r := NewRegistry()
		_, ok := r.GetSchema("document.unknown")
		assert.False(t, ok)
	})

	t.Run("rejects a definition without an event type", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register(&Definition{}))
		assert.Error(t, r.Register(nil))
	})
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(chunkedDefinition()))
	def, _ := r.GetSchema("document.chunked")

	t.Run("accepts a conforming envelope", func(t *testing.T) {
		ok, errs := r.Validate(conformingEnvelope(t), def)
		assert.True(t, ok)
		assert.Empty(t, errs)
	})

	t.Run("flags a missing required field", func(t *testing.T) {
		env, err := contracts.NewEnvelope("document.chunked", map[string]any{"chunk_count": 1})
		require.NoError(t, err)

		ok, errs := r.Validate(env, def)
		assert.False(t, ok)
		assert.Contains(t, errs, `data field "document_id" is required`)
	})

	t.Run("flags a mistyped property", func(t *testing.T) {
		env, err := contracts.NewEnvelope("document.chunked", map[string]any{
			"document_id": "doc-1",
			"chunk_count": "twelve",
		})
		require.NoError(t, err)

		ok, errs := r.Validate(env, def)
		assert.False(t, ok)
		assert.Contains(t, errs, `data field "chunk_count" is not a number`)
	})

	t.Run("flags an event type mismatch", func(t *testing.T) {
		env := conformingEnvelope(t)
		env.EventType = "document.parsed"

		ok, errs := r.Validate(env, def)
		assert.False(t, ok)
		assert.NotEmpty(t, errs)
	})

	t.Run("flags missing envelope fields", func(t *testing.T) {
		env := &contracts.Envelope{
			EventType: "document.chunked",
			Data:      []byte(`{"document_id":"doc-1"}`),
		}

		ok, errs := r.Validate(env, def)
		assert.False(t, ok)
		assert.Contains(t, errs, "event_id is empty")
		assert.Contains(t, errs, "version is empty")
		assert.Contains(t, errs, "timestamp is empty")
	})

	t.Run("flags a malformed timestamp", func(t *testing.T) {
		env := conformingEnvelope(t)
		env.Timestamp = "yesterday"

		ok, errs := r.Validate(env, def)
		assert.False(t, ok)
		assert.Contains(t, errs, `timestamp "yesterday" is not ISO-8601`)
	})

	t.Run("flags non-object data", func(t *testing.T) {
		env := conformingEnvelope(t)
		env.Data = []byte(`"just a string"`)

		ok, errs := r.Validate(env, def)
		assert.False(t, ok)
		assert.Contains(t, errs, "data is not a JSON object")
	})

	t.Run("null property values pass the kind check", func(t *testing.T) {
		env, err := contracts.NewEnvelope("document.chunked", map[string]any{
			"document_id": "doc-1",
			"chunk_count": nil,
		})
		require.NoError(t, err)

		ok, errs := r.Validate(env, def)
		assert.True(t, ok)
		assert.Empty(t, errs)
	})

	t.Run("rejects a foreign schema value", func(t *testing.T) {
		ok, errs := r.Validate(conformingEnvelope(t), "not a definition")
		assert.False(t, ok)
		assert.NotEmpty(t, errs)
	})
}
