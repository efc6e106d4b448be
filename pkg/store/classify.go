package store

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"sensorydata/pkg/domain"
)

var imageBlockTypes = map[string]struct{}{
	"image": {}, "image_placeholder": {}, "img": {}, "picture": {},
	"figure": {}, "photo": {}, "diagram": {},
}

var audioBlockTypes = map[string]struct{}{
	"audio": {}, "audio_sentence": {}, "audio_segment": {},
}

var mdImageRef = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

// normLine is a validated, classified input line ready for insertion.
type normLine struct {
	in        domain.LineInput
	blockType string
	content   string

	isImage   bool
	imageHash string
	filename  string

	isAudio bool
}

// normalizeLines lower-cases block types, defaults content, validates that
// positions are pairwise distinct, and classifies each line into at most one
// detail modality. Image details are allowed for generic/video documents,
// audio details only for audio documents with a start timestamp.
func normalizeLines(docType domain.DocType, lines []domain.LineInput) ([]normLine, error) {
	allowImages := docType == domain.DocTypeGeneric || docType == domain.DocTypeVideo
	allowAudio := docType == domain.DocTypeAudio

	seen := make(map[int]struct{}, len(lines))
	var dups []int
	out := make([]normLine, 0, len(lines))
	for _, in := range lines {
		if _, ok := seen[in.Position]; ok {
			dups = append(dups, in.Position)
			continue
		}
		seen[in.Position] = struct{}{}

		bt := strings.ToLower(strings.TrimSpace(in.BlockType))
		if bt == "" {
			bt = "text"
		}
		n := normLine{in: in, blockType: bt, content: in.Content}

		if _, img := imageBlockTypes[bt]; img && allowImages {
			hash, filename := imageHashFromLine(in)
			if hash != "" {
				n.isImage = true
				n.imageHash = hash
				n.filename = filename
			}
			// A hash-less image stays a bare raw line: the detail table's
			// non-null columns cannot be satisfied without one.
		}

		if _, aud := audioBlockTypes[bt]; aud && allowAudio && in.StartTS != nil {
			n.isAudio = true
		}

		out = append(out, n)
	}
	if len(dups) > 0 {
		if len(dups) > 10 {
			dups = dups[:10]
		}
		return nil, fmt.Errorf("duplicate positions in input %v: %w", dups, ErrConflict)
	}
	return out, nil
}

// imageHashFromLine resolves the image dedup hash. An explicit hash wins;
// otherwise it is derived from the markdown reference in the content,
// filename minus extension.
func imageHashFromLine(in domain.LineInput) (hash, filename string) {
	if in.ImageHash != "" {
		filename = in.Filename
		if filename == "" {
			filename = in.ImageHash + ".png"
		}
		return in.ImageHash, filename
	}
	m := mdImageRef.FindStringSubmatch(in.Content)
	if m == nil {
		return "", ""
	}
	filename = m[1]
	hash = strings.TrimSuffix(filename, path.Ext(filename))
	if hash == "" {
		return "", ""
	}
	return hash, filename
}

// hasDocDetail reports whether a line carries any structural metadata worth
// a lines_document row.
func hasDocDetail(in domain.LineInput) bool {
	return in.PageIdx != nil || in.BlockID != "" || len(in.Geometry) > 0 || len(in.Hierarchy) > 0
}

// imageObjectKey builds the blob sub-path for a document's image,
// "{ext}/{dochex}/images/{filename}".
func imageObjectKey(extension, docID, filename string) string {
	if extension == "" {
		extension = "unknown"
	}
	return extension + "/" + strings.ReplaceAll(docID, "-", "") + "/images/" + filename
}
