package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"s7gate/s7"
)

// VariablePayload is the serializable form of a variable.
// Pointer fields distinguish "absent" from zero for the required addressing fields.
type VariablePayload struct {
	ID                string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string      `json:"name" yaml:"name"`
	SampleTime        int         `json:"sampleTime" yaml:"sample_time"`
	ArchiveSampleTime *int        `json:"archiveSampleTime,omitempty" yaml:"archive_sample_time,omitempty"`
	Archived          bool        `json:"archived" yaml:"archived"`
	Unit              string      `json:"unit" yaml:"unit,omitempty"`
	Type              string      `json:"type" yaml:"type"`
	Address           string      `json:"address,omitempty" yaml:"address,omitempty"`
	AreaType          *s7.Area    `json:"areaType,omitempty" yaml:"area_type,omitempty"`
	Offset            *int        `json:"offset,omitempty" yaml:"offset,omitempty"`
	Length            *int        `json:"length,omitempty" yaml:"length,omitempty"`
	Write             *bool       `json:"write,omitempty" yaml:"write,omitempty"`
	DBNumber          *int        `json:"dbNumber,omitempty" yaml:"db_number,omitempty"`
	Value             interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// variableConfig is a validated payload with every field resolved.
type variableConfig struct {
	id                string
	name              string
	unit              string
	kind              Kind
	sampleTime        int
	archiveSampleTime int
	archived          bool
	area              s7.Area
	dbNumber          int
	offset            int
	length            int
	write             bool
	data              []byte // nil when the payload carries no value
}

func (c *variableConfig) sameAddressing(o *variableConfig) bool {
	return c.area == o.area && c.dbNumber == o.dbNumber && c.offset == o.offset &&
		c.length == o.length && c.write == o.write
}

func missingField(name string) error {
	return fmt.Errorf("%w: %s is required", ErrValidation, name)
}

// parsePayload validates p and resolves defaults. Nothing is mutated on failure.
func parsePayload(p VariablePayload) (*variableConfig, error) {
	if strings.TrimSpace(p.Type) == "" {
		return nil, missingField("type")
	}
	kind, err := ParseKind(p.Type)
	if err != nil {
		return nil, err
	}

	cfg := &variableConfig{
		id:         p.ID,
		name:       p.Name,
		unit:       p.Unit,
		kind:       kind,
		sampleTime: p.SampleTime,
		archived:   p.Archived,
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if p.SampleTime < 0 {
		return nil, fmt.Errorf("%w: sampleTime must not be negative", ErrValidation)
	}
	if p.ArchiveSampleTime != nil {
		if *p.ArchiveSampleTime < 0 {
			return nil, fmt.Errorf("%w: archiveSampleTime must not be negative", ErrValidation)
		}
		cfg.archiveSampleTime = *p.ArchiveSampleTime
	}

	area, dbNumber, offset := p.AreaType, p.DBNumber, p.Offset
	if p.Address != "" {
		addr, err := s7.ParseAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: address: %v", ErrValidation, err)
		}
		if area == nil {
			area = &addr.Area
		}
		if dbNumber == nil && addr.Area == s7.AreaDB {
			dbNumber = &addr.DBNumber
		}
		if offset == nil {
			offset = &addr.Offset
		}
	}

	if area == nil {
		return nil, missingField("areaType")
	}
	if !area.Valid() {
		return nil, fmt.Errorf("%w: unknown areaType %d", ErrValidation, int(*area))
	}
	cfg.area = *area

	if offset == nil {
		return nil, missingField("offset")
	}
	if *offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	cfg.offset = *offset

	fixed := kind.FixedLength()
	switch {
	case p.Length == nil && fixed > 0:
		cfg.length = fixed
	case p.Length == nil:
		return nil, missingField("length")
	case fixed > 0 && *p.Length != fixed:
		return nil, fmt.Errorf("%w: length of %s must be %d", ErrValidation, kind, fixed)
	case *p.Length <= 0:
		return nil, fmt.Errorf("%w: length must be positive", ErrValidation)
	default:
		cfg.length = *p.Length
	}

	if p.Write == nil {
		return nil, missingField("write")
	}
	cfg.write = *p.Write

	if dbNumber != nil {
		if *dbNumber < 0 {
			return nil, fmt.Errorf("%w: dbNumber must not be negative", ErrValidation)
		}
		cfg.dbNumber = *dbNumber
	}

	if p.Value != nil {
		data, err := kind.Encode(p.Value, cfg.length)
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		cfg.data = data
	}
	return cfg, nil
}
