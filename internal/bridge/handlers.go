package bridge

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/styly-dev/netsync/internal/netvar"
	"github.com/styly-dev/netsync/internal/protocol"
	appversion "github.com/styly-dev/netsync/internal/version"
)

// varDTO mirrors protocol.VarState with wire-friendly field names.
type varDTO struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Timestamp  float64 `json:"timestamp"`
	LastWriter uint16  `json:"lastWriter"`
}

type clientVarsDTO struct {
	ClientNo uint16   `json:"clientNo"`
	Vars     []varDTO `json:"vars"`
}

type setRequest struct {
	Value string `json:"value"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// urlParam returns a path segment with URL escaping undone, so room IDs
// with spaces or unicode survive the round trip.
func urlParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// resultStatus maps a variable-engine outcome to an HTTP status. Accepted
// and no-op writes are 200; every rejection is a conflict with the stored
// state, spelled out in the body.
func resultStatus(res netvar.Result) int {
	switch res {
	case netvar.Applied, netvar.NoOp:
		return http.StatusOK
	default:
		return http.StatusConflict
	}
}

func writeResult(w http.ResponseWriter, res netvar.Result) {
	writeJSON(w, resultStatus(res), resultResponse{Result: res.String()})
}

func toVarDTOs(vars []protocol.VarState) []varDTO {
	out := make([]varDTO, 0, len(vars))
	for _, v := range vars {
		out = append(out, varDTO{
			Name:       v.Name,
			Value:      v.Value,
			Timestamp:  v.Timestamp,
			LastWriter: v.LastWriter,
		})
	}
	return out
}

func (b *Bridge) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   appversion.Version,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bridge) listRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.hub.Rooms())
}

func (b *Bridge) roomDetail(w http.ResponseWriter, r *http.Request) {
	room := urlParam(r, "room")
	detail, ok := b.hub.Room(room)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// listGlobals answers an empty list for rooms with no variable state yet;
// variables live in a lazily created namespace, so absence is not an error.
func (b *Bridge) listGlobals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toVarDTOs(b.hub.GlobalVars(urlParam(r, "room"))))
}

func (b *Bridge) setGlobal(w http.ResponseWriter, r *http.Request) {
	room, name := urlParam(r, "room"), urlParam(r, "name")
	var req setRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	writeResult(w, b.hub.SetGlobalVar(room, name, req.Value))
}

func (b *Bridge) deleteGlobal(w http.ResponseWriter, r *http.Request) {
	writeResult(w, b.hub.DeleteGlobalVar(urlParam(r, "room"), urlParam(r, "name")))
}

func (b *Bridge) listClientVars(w http.ResponseWriter, r *http.Request) {
	states := b.hub.ClientVars(urlParam(r, "room"))
	out := make([]clientVarsDTO, 0, len(states))
	for _, st := range states {
		out = append(out, clientVarsDTO{ClientNo: st.ClientNo, Vars: toVarDTOs(st.Vars)})
	}
	writeJSON(w, http.StatusOK, out)
}

// clientNoParam parses the {clientNo} segment, answering 400 itself when it
// does not fit a client number.
func clientNoParam(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	raw := chi.URLParam(r, "clientNo")
	no, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client number")
		return 0, false
	}
	return uint16(no), true
}

func (b *Bridge) setClientVar(w http.ResponseWriter, r *http.Request) {
	room, name := urlParam(r, "room"), urlParam(r, "name")
	no, ok := clientNoParam(w, r)
	if !ok {
		return
	}
	var req setRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	writeResult(w, b.hub.SetClientVar(room, no, name, req.Value))
}

func (b *Bridge) deleteClientVar(w http.ResponseWriter, r *http.Request) {
	no, ok := clientNoParam(w, r)
	if !ok {
		return
	}
	writeResult(w, b.hub.DeleteClientVar(urlParam(r, "room"), no, urlParam(r, "name")))
}
