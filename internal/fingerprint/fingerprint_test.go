package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

func TestFingerprintIgnoresKeyOrderAndFormatting(t *testing.T) {
	t.Parallel()

	e := New()
	a, err := e.Fingerprint(map[string]string{
		"record_id":        "2024-001",
		"estado":           "Cerrado",
		"fecha_radicacion": "15/03/2024",
	})
	require.NoError(t, err)

	b, err := e.Fingerprint(map[string]string{
		" Fecha_Radicacion ": "2024-03-15",
		"ESTADO":             "  Cerrado ",
		"record_id":          "2024-001",
	})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestFingerprintDetectsChangedField(t *testing.T) {
	t.Parallel()

	e := New()
	base := map[string]string{"record_id": "R1", "estado": "Abierto"}
	changed := map[string]string{"record_id": "R1", "estado": "Cerrado"}

	h1, err := e.Fingerprint(base)
	require.NoError(t, err)
	h2, err := e.Fingerprint(changed)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestFingerprintRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	e := New()
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{name: "missing record id", fields: map[string]string{"estado": "x"}},
		{name: "blank record id", fields: map[string]string{"record_id": "   "}},
		{name: "colliding keys", fields: map[string]string{"record_id": "R", "Estado": "a", "estado ": "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.Fingerprint(tc.fields)
			require.Error(t, err)
			require.True(t, records.IsValidation(err))
		})
	}
}

func TestCanonicalIsUnambiguous(t *testing.T) {
	t.Parallel()

	e := New()
	a, err := e.Canonical(map[string]string{"record_id": "R", "a": "b=c"})
	require.NoError(t, err)
	b, err := e.Canonical(map[string]string{"record_id": "R", "a=b": "c"})
	require.NoError(t, err)
	require.NotEqual(t, string(a), string(b))
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2024-03-15", NormalizeValue("15/03/2024"))
	require.Equal(t, "2024-03-15T10:00:00Z", NormalizeValue("2024-03-15 10:00:00"))
	require.Equal(t, "2024-03-15T15:00:00Z", NormalizeValue("2024-03-15T10:00:00-05:00"))
	require.Equal(t, "a b c", NormalizeValue(" a \t b\nc "))
	require.Equal(t, "12345", NormalizeValue("12345"))
}

func TestFileHash(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	sum, size, err := File(path)
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
	require.Equal(t, sum, Bytes([]byte("hello world")))

	_, _, err = File(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
