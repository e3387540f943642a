// Package signals derives weighted behavioral signals for an identity from
// its trailing event history.
package signals

import (
	"fmt"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
	"github.com/Mindburn-Labs/ztcore/pkg/eventstore"
)

// Kind names a signal.
type Kind string

const (
	OddHourLogin          Kind = "ODD_HOUR_LOGIN"
	FailedLogin           Kind = "FAILED_LOGIN"
	MultipleIPs           Kind = "MULTIPLE_IPS"
	WeekendLogin          Kind = "WEEKEND_LOGIN"
	CriticalFileRead      Kind = "CRITICAL_FILE_READ"
	CriticalFileEdit      Kind = "CRITICAL_FILE_EDIT"
	CriticalFileDownload  Kind = "CRITICAL_FILE_DOWNLOAD"
	FileDeletion          Kind = "FILE_DELETION"
	FileEdit              Kind = "FILE_EDIT"
	FileDownload          Kind = "FILE_DOWNLOAD"
	MassDelete            Kind = "MASS_DELETE"
	ExcessiveFileActivity Kind = "EXCESSIVE_FILE_ACTIVITY"
	ExternalNetwork       Kind = "EXTERNAL_NETWORK"
)

// Kinds lists every known signal kind in catalogue order.
var Kinds = []Kind{
	OddHourLogin, FailedLogin, MultipleIPs, WeekendLogin,
	CriticalFileRead, CriticalFileEdit, CriticalFileDownload,
	FileDeletion, FileEdit, FileDownload, MassDelete, ExcessiveFileActivity,
	ExternalNetwork,
}

// Known reports whether k is in the catalogue.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Signal is a triggered signal kind with the number of matching occurrences.
type Signal struct {
	Kind  Kind `json:"kind"`
	Count int  `json:"count"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s(%d)", s.Kind, s.Count)
}

// querySpec is the event-store question a kind asks.
type querySpec struct {
	kind     events.Kind
	match    eventstore.Match
	distinct eventstore.Field
}

func (t *Table) querySpec(k Kind) querySpec {
	f := false
	tr := true
	fileMatch := func(actions []events.FileAction, sensitive, nonSensitive bool) eventstore.Match {
		m := eventstore.Match{Actions: actions}
		if sensitive {
			m.NameContains = t.keywords
		}
		if nonSensitive {
			m.NameExcludes = t.keywords
		}
		return m
	}

	switch k {
	case OddHourLogin:
		hours := t.OddHours
		return querySpec{kind: events.KindLogin, match: eventstore.Match{Hours: &hours, Location: t.loc}}
	case FailedLogin:
		return querySpec{kind: events.KindLogin, match: eventstore.Match{Success: &f}}
	case MultipleIPs:
		return querySpec{kind: events.KindLogin, distinct: eventstore.FieldSourceIP}
	case WeekendLogin:
		return querySpec{kind: events.KindLogin, match: eventstore.Match{Weekdays: t.weekend, Location: t.loc}}
	case CriticalFileRead:
		return querySpec{kind: events.KindFileAccess, match: fileMatch([]events.FileAction{events.ActionRead}, true, false)}
	case CriticalFileEdit:
		return querySpec{kind: events.KindFileAccess, match: fileMatch([]events.FileAction{events.ActionWrite}, true, false)}
	case CriticalFileDownload:
		return querySpec{kind: events.KindFileAccess, match: fileMatch([]events.FileAction{events.ActionDownload}, true, false)}
	case FileDeletion, MassDelete:
		return querySpec{kind: events.KindFileAccess, match: fileMatch([]events.FileAction{events.ActionDelete}, false, false)}
	case FileEdit:
		return querySpec{kind: events.KindFileAccess, match: fileMatch([]events.FileAction{events.ActionWrite}, false, true)}
	case FileDownload:
		return querySpec{kind: events.KindFileAccess, match: fileMatch([]events.FileAction{events.ActionDownload}, false, true)}
	case ExcessiveFileActivity:
		return querySpec{kind: events.KindFileAccess}
	case ExternalNetwork:
		return querySpec{kind: events.KindNetwork, match: eventstore.Match{External: &tr}}
	}
	return querySpec{}
}
