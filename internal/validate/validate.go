// Package validate implements the JP2 box structure validator: a
// read pass over the top-level box sequence that reports malformed or
// suspicious files without attempting to decode the codestream.
package validate

import (
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	"github.com/corej2k/jpeg2000/internal/box"
)

// Severity distinguishes a finding that makes the file non-conformant
// from one that is merely unusual but tolerated by readers.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Finding is a single validator observation, tied to the box (if any)
// it concerns.
type Finding struct {
	Severity Severity
	Box      string
	Message  string
}

func (f Finding) String() string {
	if f.Box == "" {
		return fmt.Sprintf("%s: %s", f.Severity, f.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", f.Severity, f.Box, f.Message)
}

// BoxReport captures the presence/ordering facts the struct-tag
// validator can check directly. Constraints that depend on comparing
// multiple boxes to each other (ordering, duplicates) can't be
// expressed as validator tags on a single field, so they're checked
// procedurally in Validate and appended to the same Findings slice
// instead.
type BoxReport struct {
	HasSignature    bool `validate:"eq=true"`
	HasFileType     bool `validate:"eq=true"`
	HasJP2Header    bool `validate:"eq=true"`
	HasImageHeader  bool `validate:"eq=true"`
	HasCodestream   bool `validate:"eq=true"`
	CompatibleBrand bool `validate:"eq=true"`

	Findings []Finding `validate:"-"`
}

// Report is the outcome of validating one JP2 file: the box-presence
// facts plus every Finding collected along the way, struct-tag and
// procedural alike.
type Report struct {
	BoxReport
}

// Errors reports whether any finding (or missing struct-tag
// constraint) has error severity.
func (r *Report) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// OK reports whether the file is conformant: no error-severity
// findings. In strict mode, callers should instead check len(Findings) == 0,
// since Validate already promotes warnings to errors when strict is true.
func (r *Report) OK() bool {
	return len(r.Errors()) == 0
}

var validate = validator.New()

// jp2Brand is the 4CC for the ISO base JP2 brand, expected as either
// the ftyp box's primary brand or a member of its compatibility list.
const jp2Brand = "jp2 "

// Validate reads a JP2 file's top-level box sequence from r and
// produces a Report. It does not parse the embedded codestream. In
// strict mode, findings that would otherwise be warnings (unknown
// boxes, missing optional-but-expected boxes) are promoted to errors.
func Validate(r io.Reader, strict bool) (*Report, error) {
	report := &Report{}
	br := box.NewReader(r)

	seenJP2Header := 0
	seenCodestream := false
	var jp2hImageHeader *box.ImageHeaderBox

	for {
		b, err := br.ReadBox()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading box stream: %w", err)
		}

		switch b.Type {
		case box.TypeJP2Signature:
			report.HasSignature = true
			if len(b.Contents) < 4 || b.Contents[0] != 0x0D || b.Contents[1] != 0x0A ||
				b.Contents[2] != 0x87 || b.Contents[3] != 0x0A {
				report.addf(SeverityError, "jP  ", "signature box contents do not match the required byte sequence")
			}

		case box.TypeFileType:
			report.HasFileType = true
			ftyp := &box.FileTypeBox{}
			if err := ftyp.Parse(b.Contents); err != nil {
				report.addf(SeverityError, "ftyp", "malformed file type box: %v", err)
				break
			}
			if ftyp.Brand.String() == jp2Brand {
				report.CompatibleBrand = true
			} else {
				for _, c := range ftyp.Compatibility {
					if c.String() == jp2Brand {
						report.CompatibleBrand = true
						break
					}
				}
			}
			if !report.CompatibleBrand {
				report.addf(SeverityError, "ftyp", "neither brand nor compatibility list names %q", jp2Brand)
			}

		case box.TypeJP2Header:
			seenJP2Header++
			report.HasJP2Header = true
			h, err := box.ParseJP2Header(b.Contents)
			if err != nil {
				report.addf(SeverityError, "jp2h", "malformed header super-box: %v", err)
				break
			}
			if h.ImageHeader != nil {
				report.HasImageHeader = true
				jp2hImageHeader = h.ImageHeader
				if h.ImageHeader.BitsPerComponent == 0xFF && h.BitsPerComp == nil {
					report.addf(SeverityError, "jp2h", "ihdr declares variable bit depth (0xFF) but no bpcc box is present")
				}
			} else {
				report.addf(SeverityError, "jp2h", "missing required ihdr box")
			}
			if seenCodestream {
				report.addf(SeverityError, "jp2h", "appears after jp2c; jp2h must precede the codestream")
			}

		case box.TypeContCodestream:
			report.HasCodestream = true
			seenCodestream = true
			if seenJP2Header == 0 {
				report.addf(SeverityError, "jp2c", "codestream appears before any jp2h box")
			}

		case box.TypeXML, box.TypeUUID, box.TypeUUIDInfo, box.TypeIPR:
			// Recognized but not structurally significant.

		default:
			report.addf(SeverityWarning, b.Type.String(), "unrecognized top-level box type")
		}
	}

	if seenJP2Header > 1 {
		report.addf(SeverityError, "jp2h", fmt.Sprintf("found %d jp2h boxes; exactly one is required", seenJP2Header))
	}
	if jp2hImageHeader != nil && (jp2hImageHeader.Width == 0 || jp2hImageHeader.Height == 0) {
		report.addf(SeverityError, "ihdr", "zero width or height")
	}

	if strict {
		for i := range report.Findings {
			report.Findings[i].Severity = SeverityError
		}
	}

	if err := validate.Struct(report.BoxReport); err != nil {
		for _, fe := range err.(validator.ValidationErrors) {
			report.Findings = append(report.Findings, Finding{
				Severity: SeverityError,
				Box:      fe.Field(),
				Message:  "required top-level box is missing",
			})
		}
	}

	return report, nil
}

func (r *Report) addf(sev Severity, box, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: sev, Box: box, Message: fmt.Sprintf(format, args...)})
}
