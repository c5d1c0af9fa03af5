package inference

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, raw string) (string, error) {
	t.Helper()
	out, err := ParseOutput(json.RawMessage(raw))
	if err != nil {
		return "", err
	}
	return out.MeshURL()
}

func TestOutputNormalization(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare string", `"https://x/model.glb"`, "https://x/model.glb"},
		{"array prefers mesh extension", `["preview.gif", "mesh.obj"]`, "mesh.obj"},
		{"array falls back to last", `["a.txt", "b.bin"]`, "b.bin"},
		{"object mesh key", `{"mesh": "https://x/model.glb"}`, "https://x/model.glb"},
		{"object model key", `{"model": "https://x/out.obj", "preview": "p.gif"}`, "https://x/out.obj"},
		{"object falls back to first value", `{"zz": "https://x/only.ply"}`, "https://x/only.ply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolve(t, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutputNormalizationSameMeshAcrossShapes(t *testing.T) {
	const want = "https://x/model.glb"
	for _, raw := range []string{
		`"https://x/model.glb"`,
		`["preview.gif", "https://x/model.glb"]`,
		`{"mesh": "https://x/model.glb"}`,
	} {
		got, err := resolve(t, raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestOutputNormalizationRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"non-string object value", `{"unrelated": 123}`},
		{"empty payload", ``},
		{"number", `42`},
		{"empty string", `""`},
		{"empty array", `[]`},
		{"empty object", `{}`},
		{"array of numbers", `[1, 2, 3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid model output")
		})
	}
}
