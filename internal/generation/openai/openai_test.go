package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
)

func chunk(text string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

func TestProvider_Streams(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{chunk("Good "), chunk("dog.")} {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	var fragments []string
	content, err := p.Generate(context.Background(), models.GenerationRequest{
		SystemFraming: "Be kind.",
		Turns: []models.Turn{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "woof"},
			{Role: models.RoleUser, Content: "story?"},
		},
	}, func(f string, _ bool) { fragments = append(fragments, f) })
	require.NoError(t, err)
	assert.Equal(t, "Good dog.", content)
	assert.Equal(t, []string{"Good ", "dog."}, fragments)

	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, "assistant", msgs[2].(map[string]interface{})["role"])
	assert.Equal(t, float64(1024), body["max_tokens"])
}

func TestProvider_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	p := New(Config{APIKey: "sk-bad", BaseURL: server.URL})
	_, err := p.Generate(context.Background(), models.GenerationRequest{
		Turns: []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	}, func(string, bool) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProviderFailed))
}

func TestProvider_Unconfigured(t *testing.T) {
	p := New(Config{})
	assert.False(t, p.Describe().Available)
	assert.Equal(t, defaultModel, p.Describe().Model)
	_, err := p.Generate(context.Background(), models.GenerationRequest{}, nil)
	assert.True(t, errors.Is(err, errors.ErrProviderFailed))
}
