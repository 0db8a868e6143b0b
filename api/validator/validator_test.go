package validator

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type uploadRequest struct {
	FileName  string `json:"file_name" validate:"required,max=255"`
	SizeBytes int64  `json:"size_bytes" validate:"gt=0"`
	MimeType  string `json:"mime_type" validate:"required"`
	Caption   string
}

func TestValidator_ValidateStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name  string
		input any
		want  []ValidationError
	}{
		{
			name:  "OK",
			input: uploadRequest{FileName: "rex.png", SizeBytes: 72, MimeType: "image/png"},
		},
		{
			name:  "MissingFields",
			input: uploadRequest{SizeBytes: 72},
			want: []ValidationError{
				{Field: "file_name", Message: "is required"},
				{Field: "mime_type", Message: "is required"},
			},
		},
		{
			name:  "EmptyFile",
			input: uploadRequest{FileName: "rex.png", MimeType: "image/png"},
			want:  []ValidationError{{Field: "size_bytes", Message: "must be greater than 0"}},
		},
		{
			name:  "LongName",
			input: uploadRequest{FileName: strings.Repeat("a", 256), SizeBytes: 1, MimeType: "image/png"},
			want:  []ValidationError{{Field: "file_name", Message: "must be at most 255"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.ValidateStruct(tt.input)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ValidateStruct() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type sendRequest struct {
	Content    string   `json:"content" validate:"max=5"`
	MessageIDs []string `json:"message_ids" validate:"required,min=1"`
	Internal   string   `json:"-" validate:"required"`
}

func TestValidator_ValidateStruct_jsonNames(t *testing.T) {
	v := New()
	got := v.ValidateStruct(sendRequest{Content: "too long", MessageIDs: []string{}})
	want := []ValidationError{
		{Field: "content", Message: "must be at most 5"},
		{Field: "message_ids", Message: "must have at least 1 elements"},
		{Field: "Internal", Message: "is required"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ValidateStruct() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidator_Validate(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		value   any
		tag     string
		wantErr bool
	}{
		{name: "UUID", value: "5d1f7a3e-8a4b-4c39-9d5e-3f2b1c0a9e77", tag: "uuid", wantErr: false},
		{name: "NotUUID", value: "thread-1", tag: "uuid", wantErr: true},
		{name: "Emoji", value: "🐾", tag: "required,max=32", wantErr: false},
		{name: "NoEmoji", value: "", tag: "required,max=32", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.value, tt.tag)
			if tt.wantErr != (len(errs) > 0) {
				t.Errorf("Validate(%q, %q) = %v, wantErr %v", tt.value, tt.tag, errs, tt.wantErr)
			}
		})
	}
}

func TestValidator_Validate_minMessage(t *testing.T) {
	v := New()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "String", value: "ab", want: "must have at least 3 characters"},
		{name: "Slice", value: []string{"a"}, want: "must have at least 3 elements"},
		{name: "Map", value: map[string]int{}, want: "must have at least 3 elements"},
		{name: "Number", value: 2, want: "must be at least 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.value, "min=3")
			if len(errs) != 1 {
				t.Fatalf("Validate(%v) = %v, want one error", tt.value, errs)
			}
			if errs[0].Message != tt.want {
				t.Errorf("Got message %q, want %q", errs[0].Message, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	v := New()
	if v == nil || v.cli == nil {
		t.Error("New() returned invalid validator")
	}
}
