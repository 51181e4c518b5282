package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// roomVarsView extends a room detail with its variable state for the
// room --vars output.
type roomVarsView struct {
	roomDetailView
	Globals    []varView        `json:"globals"`
	ClientVars []clientVarsView `json:"clientVars"`
}

// formatRooms renders the room list in the requested format.
func formatRooms(rooms []roomView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(rooms)
	case formatTable:
		return formatRoomsTable(rooms)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatRoomDetail renders a single room in the requested format.
func formatRoomDetail(detail *roomDetailView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(detail)
	case formatTable:
		return formatRoomDetailTable(detail)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatRoomVars renders a room detail plus variables in the requested format.
func formatRoomVars(full *roomVarsView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(full)
	case formatTable:
		return formatRoomVarsTable(full)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatVars renders a variable list in the requested format.
func formatVars(vars []varView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(vars)
	case formatTable:
		return formatVarsTable(vars)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatRoomsTable(rooms []roomView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tCLIENTS\tMAPPED\tDIRTY\tLAST-BROADCAST\tEMPTY-SINCE")

	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%s\t%s\n",
			r.ID,
			r.Clients,
			r.Mapped,
			r.Dirty,
			formatTime(r.LastBroadcast),
			formatTime(r.EmptySince),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatRoomDetailTable(d *roomDetailView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	writeRoomDetailLines(w, d)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatRoomVarsTable(full *roomVarsView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	writeRoomDetailLines(w, &full.roomDetailView)

	fmt.Fprintln(w, "\nGLOBALS")
	writeVarLines(w, full.Globals)

	for _, bucket := range full.ClientVars {
		fmt.Fprintf(w, "\nCLIENT %d\n", bucket.ClientNo)
		writeVarLines(w, bucket.Vars)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatVarsTable(vars []varView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	writeVarLines(w, vars)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func writeRoomDetailLines(w *tabwriter.Writer, d *roomDetailView) {
	fmt.Fprintf(w, "Room:\t%s\n", d.ID)
	fmt.Fprintf(w, "Clients:\t%d\n", d.Clients)
	fmt.Fprintf(w, "Mapped Devices:\t%d\n", d.Mapped)
	fmt.Fprintf(w, "Dirty:\t%v\n", d.Dirty)
	fmt.Fprintf(w, "Last Broadcast:\t%s\n", formatTime(d.LastBroadcast))

	if !d.EmptySince.IsZero() {
		fmt.Fprintf(w, "Empty Since:\t%s\n", formatTime(d.EmptySince))
	}

	if len(d.Members) == 0 {
		return
	}

	fmt.Fprintln(w, "\nCLIENT\tDEVICE\tSTEALTH\tLAST-UPDATE")
	for _, m := range d.Members {
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\n",
			m.ClientNo,
			m.DeviceID,
			m.Stealth,
			formatTime(m.LastUpdate),
		)
	}
}

func writeVarLines(w *tabwriter.Writer, vars []varView) {
	fmt.Fprintln(w, "NAME\tVALUE\tWRITER\tTIMESTAMP")
	for _, v := range vars {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\n",
			v.Name,
			v.Value,
			writerLabel(v.LastWriter),
			v.Timestamp,
		)
	}
}

// writerLabel names the writing client; number 0 is the server itself.
func writerLabel(clientNo uint16) string {
	if clientNo == 0 {
		return "server"
	}

	return strconv.Itoa(int(clientNo))
}

// formatTime renders a timestamp, or a dash for the zero value.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return valueNone
	}

	return t.Format(time.RFC3339)
}

// --- JSON formatter ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
