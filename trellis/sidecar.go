package trellis

import (
	"bytes"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	arraySchemaName      = "trellis-array"
	containerSchemaName  = "trellis-container"
	sidecarFormatVersion = "1.0.0"
)

// chunkRef locates one finalized chunk inside the data file.
type chunkRef struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// arrayHeader is the JSON sidecar persisted next to each data file. It is
// written once at create time and rewritten at finalize with the chunk index.
type arrayHeader struct {
	SchemaName    string     `json:"schema_name"`
	FormatVersion string     `json:"format_version"`
	Shape         []int      `json:"shape"`
	DType         string     `json:"dtype"`
	ChunkShape    []int      `json:"chunk_shape"`
	DimLabels     []string   `json:"dim_labels"`
	Codec         string     `json:"codec"`
	Finalized     bool       `json:"finalized"`
	Chunks        []chunkRef `json:"chunks,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// sidecarPath returns the header path for a data file.
func sidecarPath(dataPath string) string { return dataPath + ".json" }

// writeSidecar marshals hdr and writes it durably to path.
func writeSidecar(path string, hdr any) error {
	data, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readSidecar unmarshals the header at path into hdr.
func readSidecar(path string, hdr any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.NewDecoder(bytes.NewReader(data)).Decode(hdr)
}
