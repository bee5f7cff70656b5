package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNewClientRequiresKey(t *testing.T) {
	for _, p := range []Provider{ProviderAnthropic, ProviderOpenAI, ProviderDeepSeek, ProviderGemini} {
		_, err := NewClient(context.Background(), p, Options{})
		assert.Error(t, err, p)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(context.Background(), Provider("mystery"), Options{APIKey: "k"})
	assert.Error(t, err)
}

func TestDeepSeekUsesCompatibleEndpoint(t *testing.T) {
	c, err := NewClient(context.Background(), ProviderDeepSeek, Options{APIKey: "k"})
	require.NoError(t, err)
	oc, ok := c.(*OpenAIClient)
	require.True(t, ok)
	assert.Equal(t, "deepseek-chat", oc.defaultModel)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{"nil", nil, ""},
		{"no content", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}, ""},
		{
			"joined parts",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{Text: "hey "}, {Text: "there"}}},
			}}},
			"hey \nthere",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractText(tt.resp))
		})
	}
}
