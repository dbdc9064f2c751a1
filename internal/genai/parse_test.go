package genai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEffortHours(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    float64
		wantErr error
	}{
		{name: "bare number", in: "4.5", want: 4.5},
		{name: "integer", in: "6", want: 6},
		{name: "surrounded by prose", in: "I estimate approximately 12.5 hours for this", want: 12.5},
		{name: "number with unit", in: "8h", want: 8},
		{name: "first of several numbers wins", in: "between 3 and 5 hours", want: 3},
		{name: "no number", in: "hola", wantErr: ErrUnparsableNumber},
		{name: "empty", in: "", wantErr: ErrUnparsableNumber},
		{name: "zero", in: "0", wantErr: ErrOutOfRange},
		{name: "negative", in: "-2 hours", wantErr: ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEffortHours(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCategory(t *testing.T) {
	allowed := []string{"Backend", "Frontend", "Bug Fix", "Testing"}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "exact", in: "Backend", want: "Backend"},
		{name: "case insensitive", in: "backend", want: "Backend"},
		{name: "containment", in: "This is clearly a Backend task.", want: "Backend"},
		{name: "longest match wins", in: "Bug Fix", want: "Bug Fix"},
		{name: "whitespace noise", in: "  frontend\n", want: "Frontend"},
		{name: "no match", in: "Gardening", wantErr: ErrUnknownCategory},
		{name: "empty", in: "", wantErr: ErrUnknownCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCategory(tt.in, allowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBoundedText(t *testing.T) {
	t.Run("trims whitespace", func(t *testing.T) {
		got, err := ParseBoundedText("  a short description \n", 0)
		require.NoError(t, err)
		assert.Equal(t, "a short description", got)
	})

	t.Run("truncates past the ceiling", func(t *testing.T) {
		got, err := ParseBoundedText("one two three four five", 3)
		require.NoError(t, err)
		assert.Equal(t, "one two three", got)
	})

	t.Run("under the ceiling is untouched", func(t *testing.T) {
		got, err := ParseBoundedText("one two", 3)
		require.NoError(t, err)
		assert.Equal(t, "one two", got)
	})

	t.Run("blank fails", func(t *testing.T) {
		_, err := ParseBoundedText("   \n\t", 10)
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

const draftsJSON = `[
  {"title": "Design schema", "description": "Tables and indexes", "priority": "high", "status": "pending", "assigned_to": "team"},
  {"title": "Implement endpoint", "priority": "medium", "status": "pending", "assigned_to": "team"},
  {"title": "Write tests", "assigned_to": "team"}
]`

func TestParseDraftTasks(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		drafts, err := ParseDraftTasks(draftsJSON, 3)
		require.NoError(t, err)
		require.Len(t, drafts, 3)
		assert.Equal(t, "Design schema", drafts[0].Title)
		require.NotNil(t, drafts[0].Description)
		assert.Equal(t, "Tables and indexes", *drafts[0].Description)
		// omitted enum fields default rather than fail
		assert.Equal(t, "medium", drafts[2].Priority)
		assert.Equal(t, "pending", drafts[2].Status)
	})

	t.Run("fenced array", func(t *testing.T) {
		drafts, err := ParseDraftTasks("```json\n"+draftsJSON+"\n```", 3)
		require.NoError(t, err)
		assert.Len(t, drafts, 3)
	})

	t.Run("array buried in prose", func(t *testing.T) {
		drafts, err := ParseDraftTasks("Here are the tasks:\n"+draftsJSON+"\nLet me know.", 3)
		require.NoError(t, err)
		assert.Len(t, drafts, 3)
	})

	t.Run("surplus drafts are dropped", func(t *testing.T) {
		drafts, err := ParseDraftTasks(draftsJSON, 2)
		require.NoError(t, err)
		assert.Len(t, drafts, 2)
	})

	t.Run("too few drafts", func(t *testing.T) {
		_, err := ParseDraftTasks(draftsJSON, 5)
		var derr *DecompositionError
		assert.ErrorAs(t, err, &derr)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseDraftTasks("I cannot help with that.", 3)
		var derr *DecompositionError
		assert.ErrorAs(t, err, &derr)
	})

	t.Run("missing title", func(t *testing.T) {
		_, err := ParseDraftTasks(`[{"title": " ", "assigned_to": "team"}]`, 1)
		var derr *DecompositionError
		assert.ErrorAs(t, err, &derr)
	})

	t.Run("unknown priority", func(t *testing.T) {
		_, err := ParseDraftTasks(`[{"title": "x", "assigned_to": "team", "priority": "urgent"}]`, 1)
		var derr *DecompositionError
		assert.ErrorAs(t, err, &derr)
	})
}

func TestParseStory(t *testing.T) {
	const storyJSON = `{"project": "Shop", "role": "Backend", "goal": "checkout flow",
	  "reason": "sell things", "description": "A checkout", "priority": "high",
	  "story_points": 5, "effort_hours": 16}`

	t.Run("plain object", func(t *testing.T) {
		d, err := ParseStory(storyJSON)
		require.NoError(t, err)
		assert.Equal(t, "Shop", d.Project)
		assert.Equal(t, 5, d.StoryPoints)
		assert.Equal(t, 16.0, d.EffortHours)
	})

	t.Run("fenced and padded", func(t *testing.T) {
		d, err := ParseStory("Sure!\n```json\n" + storyJSON + "\n```")
		require.NoError(t, err)
		assert.Equal(t, "checkout flow", d.Goal)
	})

	t.Run("missing goal", func(t *testing.T) {
		_, err := ParseStory(`{"project": "Shop"}`)
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseStory("no can do")
		assert.Error(t, err)
	})
}
