package domain

import "bytes"

// ImageFormat enumerates image render encodings.
type ImageFormat string

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
)

// MinArtifactSize is the size below which an artifact is flagged with a
// warning. Never an error: renderers legitimately produce tiny outputs.
const MinArtifactSize = 256

var (
	pdfMagic = []byte("%PDF-")
	pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegSOI  = []byte{0xFF, 0xD8}
	jpegEOI  = []byte{0xFF, 0xD9}
)

// ArtifactReport is the outcome of validating rendered bytes.
type ArtifactReport struct {
	OK             bool
	Errors         []string
	Warnings       []string
	Size           int
	FormatVerified bool
}

// ValidateArtifact checks rendered bytes against the magic bytes of the
// expected format. format is consulted only for kind=image and defaults to
// PNG. Signature mismatches are errors; a missing JPEG trailer and
// undersized outputs are warnings only.
func ValidateArtifact(data []byte, kind ExportKind, format ImageFormat) ArtifactReport {
	rep := ArtifactReport{Size: len(data)}

	if len(data) == 0 {
		rep.Errors = append(rep.Errors, "artifact is empty")
		return rep
	}

	verified := false
	switch kind {
	case KindPDF:
		if bytes.HasPrefix(data, pdfMagic) {
			verified = true
		} else {
			rep.Errors = append(rep.Errors, "missing %PDF- signature")
		}
	case KindImage:
		if format == "" {
			format = ImagePNG
		}
		switch format {
		case ImagePNG:
			if bytes.HasPrefix(data, pngMagic) {
				verified = true
			} else {
				rep.Errors = append(rep.Errors, "missing PNG signature")
			}
		case ImageJPEG:
			if bytes.HasPrefix(data, jpegSOI) {
				verified = true
			} else {
				rep.Errors = append(rep.Errors, "missing JPEG SOI marker")
			}
			if verified && !bytes.HasSuffix(data, jpegEOI) {
				// May be truncated, but some encoders pad past EOI.
				rep.Warnings = append(rep.Warnings, "missing JPEG EOI trailer")
			}
		default:
			rep.Errors = append(rep.Errors, "unsupported image format "+string(format))
		}
	default:
		rep.Errors = append(rep.Errors, "unsupported artifact kind "+string(kind))
	}

	if len(data) < MinArtifactSize {
		rep.Warnings = append(rep.Warnings, "artifact smaller than expected minimum")
	}

	rep.OK = len(rep.Errors) == 0
	rep.FormatVerified = verified && rep.OK
	return rep
}
