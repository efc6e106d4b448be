package store

import (
	"errors"
	"testing"

	"sensorydata/pkg/domain"
)

func TestNormalizeLinesDefaultsAndLowercasing(t *testing.T) {
	got, err := normalizeLines(domain.DocTypeGeneric, []domain.LineInput{
		{Position: 0, BlockType: "  Text ", Content: "hello"},
		{Position: 1, Content: "no type given"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got[0].blockType != "text" {
		t.Fatalf("expected trimmed lowercase block type, got %q", got[0].blockType)
	}
	if got[1].blockType != "text" {
		t.Fatalf("expected default block type text, got %q", got[1].blockType)
	}
}

func TestNormalizeLinesRejectsDuplicatePositions(t *testing.T) {
	_, err := normalizeLines(domain.DocTypeGeneric, []domain.LineInput{
		{Position: 3, Content: "a"},
		{Position: 3, Content: "b"},
		{Position: 4, Content: "c"},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate positions, got %v", err)
	}
}

func TestNormalizeLinesImageSynonyms(t *testing.T) {
	synonyms := []string{"image", "image_placeholder", "img", "picture", "figure", "photo", "diagram"}
	for _, bt := range synonyms {
		got, err := normalizeLines(domain.DocTypeGeneric, []domain.LineInput{
			{Position: 0, BlockType: bt, ImageHash: "abc123"},
		})
		if err != nil {
			t.Fatalf("normalize %s: %v", bt, err)
		}
		if !got[0].isImage {
			t.Fatalf("block type %q should classify as image", bt)
		}
		if got[0].filename != "abc123.png" {
			t.Fatalf("expected default filename abc123.png, got %q", got[0].filename)
		}
	}
}

func TestNormalizeLinesImageHashFromMarkdown(t *testing.T) {
	got, err := normalizeLines(domain.DocTypeGeneric, []domain.LineInput{
		{Position: 0, BlockType: "image", Content: "see ![fig 1](deadbeef01.jpeg) above"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !got[0].isImage {
		t.Fatalf("expected image classification from markdown reference")
	}
	if got[0].imageHash != "deadbeef01" {
		t.Fatalf("expected hash deadbeef01, got %q", got[0].imageHash)
	}
	if got[0].filename != "deadbeef01.jpeg" {
		t.Fatalf("expected filename deadbeef01.jpeg, got %q", got[0].filename)
	}
}

func TestNormalizeLinesImageWithoutHashStaysPlain(t *testing.T) {
	got, err := normalizeLines(domain.DocTypeGeneric, []domain.LineInput{
		{Position: 0, BlockType: "image", Content: "an image with no reference"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got[0].isImage {
		t.Fatalf("image line without hash or markdown ref must stay a plain line")
	}
}

func TestNormalizeLinesAudioRequiresAudioDocAndStart(t *testing.T) {
	start := 1.5
	cases := []struct {
		name    string
		docType domain.DocType
		in      domain.LineInput
		want    bool
	}{
		{"audio doc with start", domain.DocTypeAudio, domain.LineInput{Position: 0, BlockType: "audio_sentence", StartTS: &start}, true},
		{"audio doc without start", domain.DocTypeAudio, domain.LineInput{Position: 0, BlockType: "audio_sentence"}, false},
		{"generic doc with start", domain.DocTypeGeneric, domain.LineInput{Position: 0, BlockType: "audio", StartTS: &start}, false},
	}
	for _, tc := range cases {
		got, err := normalizeLines(tc.docType, []domain.LineInput{tc.in})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got[0].isAudio != tc.want {
			t.Fatalf("%s: isAudio=%v, want %v", tc.name, got[0].isAudio, tc.want)
		}
	}
}

func TestNormalizeLinesImagesIgnoredForAudioDocs(t *testing.T) {
	got, err := normalizeLines(domain.DocTypeAudio, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "abc"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got[0].isImage {
		t.Fatalf("audio documents must not produce image details")
	}
}

func TestImageObjectKey(t *testing.T) {
	key := imageObjectKey("pdf", "6cd1cb4a-88b1-4cc7-9982-d2cbd42f0d06", "cafe01.png")
	want := "pdf/6cd1cb4a88b14cc79982d2cbd42f0d06/images/cafe01.png"
	if key != want {
		t.Fatalf("object key = %q, want %q", key, want)
	}
	if got := imageObjectKey("", "doc", "f.png"); got != "unknown/doc/images/f.png" {
		t.Fatalf("empty extension should default to unknown, got %q", got)
	}
}
