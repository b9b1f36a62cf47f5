package conflicts

import (
	"errors"
	"strings"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

// ErrUnmergeable indicates that two versions cannot be merged field by field.
var ErrUnmergeable = errors.New("conflicts: versions cannot be merged")

// Merge combines two divergent versions of a record.
//
// Free-text and scalar fields come from the newer side: the later updatedAt wins, ties go to
// the lexicographically greater writer device, then to the greater checksum. Allergy and
// medication lists are unioned by normalized name so neither side's entries are dropped; on a
// clash the newer side's entry is kept and its order comes first. The result is deleted only
// when both sides are deleted.
func Merge(local, remote records.Snapshot) (records.Payload, bool, error) {
	if local.Payload.Kind != remote.Payload.Kind {
		return records.Payload{}, false, ErrUnmergeable
	}
	newer, older := orderByRecency(local, remote)
	merged := newer.Payload.Clone()

	switch merged.Kind {
	case records.KindConsultation:
		if newer.Payload.Consultation == nil || older.Payload.Consultation == nil {
			return records.Payload{}, false, ErrUnmergeable
		}
		merged.Consultation.Allergies = unionAllergies(newer.Payload.Consultation.Allergies, older.Payload.Consultation.Allergies)
	case records.KindPrescription:
		if newer.Payload.Prescription == nil || older.Payload.Prescription == nil {
			return records.Payload{}, false, ErrUnmergeable
		}
		merged.Prescription.Medications = unionMedications(newer.Payload.Prescription.Medications, older.Payload.Prescription.Medications)
		merged.Prescription.Allergies = unionAllergies(newer.Payload.Prescription.Allergies, older.Payload.Prescription.Allergies)
	case records.KindTestResult:
		if newer.Payload.TestResult == nil {
			return records.Payload{}, false, ErrUnmergeable
		}
	default:
		return records.Payload{}, false, ErrUnmergeable
	}

	if err := merged.Validate(); err != nil {
		return records.Payload{}, false, err
	}
	return merged, local.IsDeleted && remote.IsDeleted, nil
}

func orderByRecency(local, remote records.Snapshot) (records.Snapshot, records.Snapshot) {
	switch {
	case local.UpdatedAtMillis != remote.UpdatedAtMillis:
		if local.UpdatedAtMillis > remote.UpdatedAtMillis {
			return local, remote
		}
		return remote, local
	case local.LastWriterDevice != remote.LastWriterDevice:
		if local.LastWriterDevice > remote.LastWriterDevice {
			return local, remote
		}
		return remote, local
	case local.Checksum >= remote.Checksum:
		return local, remote
	default:
		return remote, local
	}
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func unionAllergies(preferred, other []string) []string {
	merged := make([]string, 0, len(preferred)+len(other))
	seen := make(map[string]struct{}, len(preferred)+len(other))
	for _, list := range [][]string{preferred, other} {
		for _, allergy := range list {
			key := normalizeKey(allergy)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, allergy)
		}
	}
	return merged
}

func unionMedications(preferred, other []records.MedicationLine) []records.MedicationLine {
	merged := make([]records.MedicationLine, 0, len(preferred)+len(other))
	seen := make(map[string]struct{}, len(preferred)+len(other))
	for _, list := range [][]records.MedicationLine{preferred, other} {
		for _, line := range list {
			key := normalizeKey(line.Name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, line)
		}
	}
	return merged
}
