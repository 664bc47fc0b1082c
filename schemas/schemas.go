// Package schemas embeds the JSON Schemas for data the pipeline exchanges
// with external systems.
package schemas

import "embed"

// Schema file names
const (
	ArtifactMetadata = "artifact_metadata.schema.json"
	RunRequest       = "run_request.schema.json"
)

//go:embed *.schema.json
var Files embed.FS
