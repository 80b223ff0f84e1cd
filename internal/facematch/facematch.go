// Package facematch identifies the story hero among the faces on a page.
// Each book carries reference images of its hero; their embeddings are
// averaged and cached in the reference_faces table, and detected faces are
// matched against the average by Euclidean distance.
package facematch

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"

	"khayal/internal/faceswap"
)

const (
	// DistanceThreshold is the maximum embedding distance for a face to
	// count as the hero.
	DistanceThreshold = 8.0
	// PaddingPercent widens the detected face box before cropping so the
	// swap provider sees hair and chin context.
	PaddingPercent = 0.30
)

// Serialize packs an embedding as little-endian float32 bytes for BLOB
// storage. Embeddings have sufficient precision at float32.
func Serialize(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Deserialize unpacks a float32 BLOB. Returns nil for malformed data.
func Deserialize(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

// EuclideanDistance returns the L2 distance between two embeddings, or +Inf
// when the dimensions differ.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineSimilarity computes the cosine similarity between two embeddings.
// Returns 0 if either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Average returns the element-wise mean of the given embeddings, skipping
// entries whose dimension disagrees with the first.
func Average(vecs [][]float32) []float32 {
	var dim int
	for _, v := range vecs {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	sum := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}

	avg := make([]float32, dim)
	for i := range sum {
		avg[i] = float32(sum[i] / float64(n))
	}
	return avg
}

// Matcher resolves and caches book reference embeddings.
type Matcher struct {
	db       *sql.DB
	provider faceswap.Provider
}

// NewMatcher creates a Matcher over the given database and face provider.
func NewMatcher(db *sql.DB, provider faceswap.Provider) *Matcher {
	return &Matcher{db: db, provider: provider}
}

// ReferenceEmbedding returns the averaged hero embedding for a book,
// computing and caching embeddings for reference images not seen before.
func (m *Matcher) ReferenceEmbedding(ctx context.Context, bookID int64, imagePaths []string) ([]float32, error) {
	var vecs [][]float32
	for _, path := range imagePaths {
		vec, err := m.embeddingFor(ctx, bookID, path)
		if err != nil {
			// A single unreadable reference image should not sink the
			// whole book; continue with the rest.
			continue
		}
		vecs = append(vecs, vec)
	}

	avg := Average(vecs)
	if avg == nil {
		return nil, fmt.Errorf("no usable reference embeddings for book %d", bookID)
	}
	return avg, nil
}

func (m *Matcher) embeddingFor(ctx context.Context, bookID int64, imagePath string) ([]float32, error) {
	var blob []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT embedding FROM reference_faces WHERE book_id = ? AND image_path = ?",
		bookID, imagePath).Scan(&blob)
	if err == nil {
		if vec := Deserialize(blob); vec != nil {
			return vec, nil
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}

	faces, err := m.provider.DetectFaces(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("detect reference face: %w", err)
	}
	if len(faces) == 0 || len(faces[0].Embedding) == 0 {
		return nil, fmt.Errorf("no face found in reference image %s", imagePath)
	}
	vec := faces[0].Embedding

	_, err = m.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO reference_faces (book_id, image_path, embedding) VALUES (?, ?, ?)",
		bookID, imagePath, Serialize(vec))
	if err != nil {
		return nil, fmt.Errorf("cache reference embedding: %w", err)
	}
	return vec, nil
}

// FindProtagonist picks the detected face closest to the reference
// embedding. A single detected face is accepted without comparison. The
// second return value is false when no face is close enough.
func FindProtagonist(faces []faceswap.Face, ref []float32) (int, bool) {
	if len(faces) == 0 {
		return 0, false
	}
	if len(faces) == 1 {
		return 0, true
	}

	bestIdx := -1
	bestDist := math.Inf(1)
	for i, f := range faces {
		if len(f.Embedding) == 0 {
			continue
		}
		if d := EuclideanDistance(ref, f.Embedding); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestDist > DistanceThreshold {
		return 0, false
	}
	return bestIdx, true
}

// PadBox widens a face box by PaddingPercent on each side, clipped to the
// image bounds.
func PadBox(box, bounds image.Rectangle) image.Rectangle {
	padW := int(float64(box.Dx()) * PaddingPercent)
	padH := int(float64(box.Dy()) * PaddingPercent)
	padded := image.Rect(box.Min.X-padW, box.Min.Y-padH, box.Max.X+padW, box.Max.Y+padH)
	return padded.Intersect(bounds)
}
