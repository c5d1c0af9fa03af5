// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type MeshFormat string

const (
	FormatGLB  MeshFormat = "glb"
	FormatGLTF MeshFormat = "gltf"
	FormatOBJ  MeshFormat = "obj"
	FormatFBX  MeshFormat = "fbx"
	FormatUSDZ MeshFormat = "usdz"
)

type Upload struct {
	ID        uuid.UUID    `db:"id"`
	Owner     string       `db:"owner"` // empty for anonymous submissions
	ImageURL  string       `db:"image_url"`
	Status    UploadStatus `db:"status"`
	CreatedAt time.Time    `db:"created_at"`
	ExpiresAt *time.Time   `db:"expires_at"` // nil when retention is disabled
}

type Model struct {
	ID        uuid.UUID  `db:"id"`
	UploadID  uuid.UUID  `db:"upload_id"`
	ModelURL  string     `db:"model_url"`
	Format    MeshFormat `db:"format"`
	CreatedAt time.Time  `db:"created_at"`
}

// FormatFromExtension maps a file extension (without the dot) to a mesh
// format, defaulting to GLB for anything unrecognized.
func FormatFromExtension(ext string) MeshFormat {
	switch MeshFormat(ext) {
	case FormatGLB, FormatGLTF, FormatOBJ, FormatFBX, FormatUSDZ:
		return MeshFormat(ext)
	default:
		return FormatGLB
	}
}
