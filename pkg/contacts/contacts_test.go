package contacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_DemoFallback(t *testing.T) {
	d := Open("", nil)
	assert.False(t, d.HasPermission())

	list, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 15)
	assert.Equal(t, "Amanda Rodriguez", list[0].Name, "список отсортирован по имени")

	missing := Open(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.False(t, missing.HasPermission())
}

func TestDirectory_Search(t *testing.T) {
	d := Open("", nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "имя без учёта регистра", query: "john", want: []string{"John Smith", "Sarah Johnson"}},
		{name: "подстрока номера", query: "0115", want: []string{"Daniel Ramirez"}},
		{name: "пустой запрос", query: "  ", want: nil},
		{name: "нет совпадений", query: "zzz", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Search(ctx, tt.query)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Len(t, got, 15)
				return
			}
			names := make([]string, 0, len(got))
			for _, c := range got {
				names = append(names, c.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestDirectory_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
contacts:
  - name: Zed
    phone: "+7-900-0001"
  - name: anna
    phone: "+7-900-0002"
  - name: No Phone
`), 0o600))

	d := Open(path, nil)
	assert.True(t, d.HasPermission())

	list, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "anna", list[0].Name)
	assert.Equal(t, "Zed", list[1].Name)
	assert.Equal(t, int64(1), list[1].ID)
	assert.Equal(t, "anna", list[0].DisplayName())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("contacts: [\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse contacts file")
}
