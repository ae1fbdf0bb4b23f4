package protocol

import "encoding/json"

// Content block types.
const (
	BlockText         = "text"
	BlockImage        = "image"
	BlockAudio        = "audio"
	BlockResourceLink = "resource_link"
	BlockResource     = "resource"
)

// ContentBlock is the flattened union of the ACP content block variants.
// Which fields are meaningful depends on Type. A decoded block keeps the
// JSON it was read from and encodes back to exactly that, so fields not
// modelled here (such as _meta) survive echo and storage.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// image and audio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// resource_link (URI also applies to image)
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`

	Resource *EmbeddedResource `json:"resource,omitempty"`

	Annotations json.RawMessage `json:"annotations,omitempty"`

	raw json.RawMessage
}

type contentBlockJSON ContentBlock

// textBlockJSON always carries the text key, empty or not.
type textBlockJSON struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var v contentBlockJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = ContentBlock(v)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	if b.Type == BlockText {
		return json.Marshal(textBlockJSON{Type: b.Type, Text: b.Text, Annotations: b.Annotations})
	}
	return json.Marshal(contentBlockJSON(b))
}

// EmbeddedResource is the payload of a resource block. Exactly one of Text
// and Blob is expected.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// KnownBlockType reports whether t is a recognised content block type.
func KnownBlockType(t string) bool {
	switch t {
	case BlockText, BlockImage, BlockAudio, BlockResourceLink, BlockResource:
		return true
	}
	return false
}

// Category is the coarse classification attached to echoed user chunks.
func (b ContentBlock) Category() string {
	switch b.Type {
	case BlockResourceLink, BlockResource:
		return "resource"
	default:
		return b.Type
	}
}

// PayloadSize is the number of payload bytes the block carries, used for
// turn metrics.
func (b ContentBlock) PayloadSize() int {
	switch b.Type {
	case BlockText:
		return len(b.Text)
	case BlockImage, BlockAudio:
		return len(b.Data)
	case BlockResourceLink:
		if b.Size != nil {
			return int(*b.Size)
		}
		return 0
	case BlockResource:
		if b.Resource == nil {
			return 0
		}
		return len(b.Resource.Text) + len(b.Resource.Blob)
	}
	return 0
}
