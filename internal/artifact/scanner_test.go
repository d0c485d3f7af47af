package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestScanBuildsRecordsInLexicographicOrder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b-folder", "metadata.json"),
		`{"numero_radicado":"R2","estado":"Abierto","fecha_extraccion":"2024-05-01 10:00:00"}`)
	writeFile(t, filepath.Join(root, "b-folder", "R2.pdf"), "pdf-2")
	writeFile(t, filepath.Join(root, "a-folder", "R1.json"),
		`{"record_id":"R1","estado":"Cerrado","fecha_radicacion":"15/03/2024","monto":1500,"urgente":true,"notas":null}`)
	writeFile(t, filepath.Join(root, "a-folder", "R1.pdf"), "pdf-1")
	writeFile(t, filepath.Join(root, "a-folder", "attachments", "Acta Final.docx"), "docx")
	writeFile(t, filepath.Join(root, "a-folder", "attachments", "empty.txt"), "")
	writeFile(t, filepath.Join(root, ".hidden", "metadata.json"), `{"record_id":"H"}`)

	s := NewScanner(DefaultConfig(), zap.NewNop())
	res, err := s.Scan(context.Background(), "pqr", root)
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.Records, 2)

	r1 := res.Records[0]
	require.Equal(t, "R1", r1.RecordID)
	require.Equal(t, "a-folder", r1.SourceDir)
	require.Equal(t, "Cerrado", r1.Payload.Status)
	require.NotNil(t, r1.Payload.FiledAt)
	require.Equal(t, "2024-03-15", r1.Payload.FiledAt.Format("2006-01-02"))
	require.Equal(t, "1500", r1.Payload.Extra["monto"])
	require.Equal(t, "true", r1.Payload.Extra["urgente"])
	require.NotContains(t, r1.Fields, "notas")
	require.Len(t, r1.Files, 2)
	require.Equal(t, records.RolePrimary, r1.Files[0].Role)
	require.Equal(t, "pqr/R1/primary.pdf", r1.Files[0].ObjectKey)
	require.Equal(t, "pqr/R1/attachment-acta_final.docx", r1.Files[1].ObjectKey)
	require.Equal(t, "attachments/Acta Final.docx", r1.Files[1].RelPath)

	r2 := res.Records[1]
	require.Equal(t, "R2", r2.RecordID)
	require.NotContains(t, r2.Fields, "fecha_extraccion")
	require.NotContains(t, r2.Fields, "numero_radicado")
	require.Equal(t, "R2", r2.Fields["record_id"])
}

func TestScanHashIgnoresVolatileFieldsAndKeyOrder(t *testing.T) {
	t.Parallel()

	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, filepath.Join(rootA, "x", "metadata.json"),
		`{"record_id":"R1","estado":"Abierto","cliente":"ACME","fecha_extraccion":"2024-01-01"}`)
	writeFile(t, filepath.Join(rootA, "x", "doc.pdf"), "pdf")
	writeFile(t, filepath.Join(rootB, "y", "metadata.json"),
		`{"cliente":"ACME","fecha_extraccion":"2024-09-09","estado":"Abierto","record_id":"R1"}`)
	writeFile(t, filepath.Join(rootB, "y", "other.pdf"), "pdf")

	s := NewScanner(DefaultConfig(), nil)
	a, err := s.Scan(context.Background(), "pqr", rootA)
	require.NoError(t, err)
	b, err := s.Scan(context.Background(), "pqr", rootB)
	require.NoError(t, err)
	require.Equal(t, a.Records[0].ContentHash, b.Records[0].ContentHash)
}

func TestScanIsolatesInvalidFolders(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "empty-json", "metadata.json"), "")
	writeFile(t, filepath.Join(root, "empty-json", "doc.pdf"), "pdf")
	writeFile(t, filepath.Join(root, "bad-json", "metadata.json"), "{not json")
	writeFile(t, filepath.Join(root, "no-id", "metadata.json"), `{"estado":"x"}`)
	writeFile(t, filepath.Join(root, "no-id", "doc.pdf"), "pdf")
	writeFile(t, filepath.Join(root, "no-pdf", "metadata.json"), `{"record_id":"R9"}`)
	writeFile(t, filepath.Join(root, "empty-pdf", "metadata.json"), `{"record_id":"R8"}`)
	writeFile(t, filepath.Join(root, "empty-pdf", "doc.pdf"), "")
	writeFile(t, filepath.Join(root, "two-json", "a.json"), `{"record_id":"R7"}`)
	writeFile(t, filepath.Join(root, "two-json", "b.json"), `{"record_id":"R7"}`)
	writeFile(t, filepath.Join(root, "array-root", "metadata.json"), `[1,2]`)
	writeFile(t, filepath.Join(root, "ok", "metadata.json"), `{"record_id":"R1"}`)
	writeFile(t, filepath.Join(root, "ok", "doc.pdf"), "pdf")

	s := NewScanner(DefaultConfig(), nil)
	res, err := s.Scan(context.Background(), "pqr", root)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Len(t, res.Failures, 7)
	for _, f := range res.Failures {
		require.True(t, records.IsValidation(f.Err), "folder %s: %v", f.Path, f.Err)
	}
}

func TestScanMissingRootIsInfrastructureError(t *testing.T) {
	t.Parallel()

	s := NewScanner(DefaultConfig(), nil)
	_, err := s.Scan(context.Background(), "pqr", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.True(t, records.IsInfrastructure(err))
}

func TestScanRejectsKeysThatCollideAfterNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		metadata string
		field    string
	}{
		{name: "case", metadata: `{"record_id":"R1","Estado":"open","estado":"closed"}`, field: "estado"},
		{name: "spacing", metadata: `{"record_id":"R1"," cliente":"A","cliente":"B"}`, field: "cliente"},
		{name: "id alias", metadata: `{"Record_ID":"R1","record_id":"R2"}`, field: "record_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			writeFile(t, filepath.Join(root, "x", "metadata.json"), tc.metadata)
			writeFile(t, filepath.Join(root, "x", "doc.pdf"), "pdf")

			s := NewScanner(DefaultConfig(), nil)
			// Map iteration order varies between scans; the verdict must not.
			for i := 0; i < 20; i++ {
				res, err := s.Scan(context.Background(), "pqr", root)
				require.NoError(t, err)
				require.Empty(t, res.Records)
				require.Len(t, res.Failures, 1)
				var verr *records.ValidationError
				require.ErrorAs(t, res.Failures[0].Err, &verr)
				require.Equal(t, tc.field, verr.Field)
			}
		})
	}
}

func TestScanAgreeingIDAliasesAreAccepted(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x", "metadata.json"), `{"Record_ID":"R1","record_id":" R1 ","estado":"open"}`)
	writeFile(t, filepath.Join(root, "x", "doc.pdf"), "pdf")

	s := NewScanner(DefaultConfig(), nil)
	hashes := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		res, err := s.Scan(context.Background(), "pqr", root)
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		require.Equal(t, "R1", res.Records[0].RecordID)
		hashes[res.Records[0].ContentHash] = struct{}{}
	}
	require.Len(t, hashes, 1)
}
