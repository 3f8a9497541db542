package contracts

// ConflictType classifies a merge conflict.
type ConflictType string

const (
	ConflictPropertyTypeChanged ConflictType = "PROPERTY_TYPE_CHANGED"
	ConflictRequirednessChanged ConflictType = "REQUIREDNESS_CHANGED"
	ConflictAddRemove           ConflictType = "ADD_REMOVE"
	ConflictReorder             ConflictType = "REORDER"
	ConflictSemantic            ConflictType = "SEMANTIC"
	ConflictProperty            ConflictType = "PROPERTY_CONFLICT"
	ConflictDeletion            ConflictType = "DELETION_CONFLICT"
)

// ConflictSeverity orders conflicts from advisory to merge-blocking.
type ConflictSeverity int

const (
	SeverityInfo ConflictSeverity = iota
	SeverityWarning
	SeverityError
	SeverityBlock
)

func (s ConflictSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityBlock:
		return "BLOCK"
	}
	return "UNKNOWN"
}

// MarshalText renders the severity name, keeping JSON output readable.
func (s ConflictSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MergeConflict is one classified disagreement between source and target.
type MergeConflict struct {
	Type           ConflictType     `json:"type"`
	Severity       ConflictSeverity `json:"severity"`
	EntityID       string           `json:"entity_id"`
	Property       string           `json:"property,omitempty"`
	BaseValue      any              `json:"base_value,omitempty"`
	SourceValue    any              `json:"source_value,omitempty"`
	TargetValue    any              `json:"target_value,omitempty"`
	AutoResolvable bool             `json:"auto_resolvable"`
	Description    string           `json:"description"`
}

// MergeStatus is the outcome category of a merge attempt.
type MergeStatus string

const (
	MergeClean        MergeStatus = "clean"
	MergeAutoResolved MergeStatus = "auto_resolved"
	MergeConflicted   MergeStatus = "conflicts"
)
