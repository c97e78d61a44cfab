package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/engine"
)

// OpRequest is the body of POST /op.
type OpRequest struct {
	Op             string  `json:"op"`
	CollectionName string  `json:"collectionName"`
	Payload        Payload `json:"payload"`
}

// Payload holds the arguments of every op; each op reads the fields it needs.
type Payload struct {
	Documents  []map[string]any `json:"documents"`
	Filter     map[string]any   `json:"filter"`
	Data       map[string]any   `json:"data"`
	Projection []string         `json:"projection"`
	Populate   []string         `json:"populate"`
	Field      string           `json:"field"`
}

type opFunc func(h *Handler, req *OpRequest) (any, error)

var ops = map[string]opFunc{
	"count":       (*Handler).count,
	"insert":      (*Handler).insert,
	"all":         (*Handler).all,
	"filter":      (*Handler).filter,
	"filterOne":   (*Handler).filterOne,
	"update":      (*Handler).update,
	"updateOne":   (*Handler).updateOne,
	"delete":      (*Handler).delete,
	"deleteOne":   (*Handler).deleteOne,
	"createIndex": (*Handler).createIndex,
}

// HandleOp handles POST /op, dispatching on the op named in the body.
func (h *Handler) HandleOp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req OpRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.log.Warnw("decoding op request failed", "error", err)
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	op, ok := ops[req.Op]
	if !ok {
		h.log.Warnw("unknown op", "op", req.Op)
		http.Error(w, "Op not found!", http.StatusNotFound)
		return
	}
	if req.CollectionName == "" {
		WriteJSONError(w, http.StatusBadRequest, "collectionName not found")
		return
	}

	result, err := op(h, &req)
	if err != nil {
		status := StatusCode(err)
		if status == http.StatusInternalServerError {
			h.log.Errorw("op failed", "op", req.Op, "collection", req.CollectionName, "error", err)
		} else {
			h.log.Infow("op rejected", "op", req.Op, "collection", req.CollectionName, "error", err)
		}
		writeError(w, err)
		return
	}

	h.log.Debugw("op done", "op", req.Op, "collection", req.CollectionName, "elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) count(req *OpRequest) (any, error) {
	var (
		n   int64
		err error
	)
	if req.Payload.Filter != nil {
		f, perr := domain.ParseFilter(req.Payload.Filter)
		if perr != nil {
			return nil, perr
		}
		n, err = h.db.CountFilter(req.CollectionName, f)
	} else {
		n, err = h.db.Count(req.CollectionName)
	}
	if err != nil {
		return nil, err
	}
	return map[string]int64{"count": n}, nil
}

func (h *Handler) insert(req *OpRequest) (any, error) {
	if req.Payload.Documents == nil {
		return nil, badRequest("documents not found")
	}
	docs := make([]domain.Fields, 0, len(req.Payload.Documents))
	for _, raw := range req.Payload.Documents {
		fields, err := domain.FieldsFromNative(raw)
		if err != nil {
			return nil, badRequest("invalid document: %v", err)
		}
		docs = append(docs, fields)
	}
	ids, err := h.db.Insert(req.CollectionName, docs)
	if err != nil {
		return nil, err
	}
	return map[string][]string{"ids": ids}, nil
}

func (h *Handler) all(req *OpRequest) (any, error) {
	docs, err := h.db.All(req.CollectionName, req.Payload.Projection)
	if err != nil {
		return nil, err
	}
	return map[string][]domain.Document{"documents": docs}, nil
}

func (h *Handler) filter(req *OpRequest) (any, error) {
	f, err := requireFilter(req)
	if err != nil {
		return nil, err
	}
	docs, err := h.db.Filter(req.CollectionName, f, findOptions(req))
	if err != nil {
		return nil, err
	}
	return map[string][]domain.Document{"documents": docs}, nil
}

func (h *Handler) filterOne(req *OpRequest) (any, error) {
	f, err := requireFilter(req)
	if err != nil {
		return nil, err
	}
	doc, found, err := h.db.FilterOne(req.CollectionName, f, findOptions(req))
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]*domain.Document{"document": nil}, nil
	}
	return map[string]*domain.Document{"document": &doc}, nil
}

func (h *Handler) update(req *OpRequest) (any, error) {
	return h.mutate(req, h.db.Update)
}

func (h *Handler) updateOne(req *OpRequest) (any, error) {
	return h.mutate(req, h.db.UpdateOne)
}

func (h *Handler) mutate(req *OpRequest, apply func(string, domain.Filter, domain.Fields) (int, error)) (any, error) {
	f, err := requireFilter(req)
	if err != nil {
		return nil, err
	}
	if req.Payload.Data == nil {
		return nil, badRequest("data not found")
	}
	data, err := domain.FieldsFromNative(req.Payload.Data)
	if err != nil {
		return nil, badRequest("invalid data: %v", err)
	}
	if _, err := apply(req.CollectionName, f, data); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *Handler) delete(req *OpRequest) (any, error) {
	return h.remove(req, h.db.Delete)
}

func (h *Handler) deleteOne(req *OpRequest) (any, error) {
	return h.remove(req, h.db.DeleteOne)
}

func (h *Handler) remove(req *OpRequest, apply func(string, domain.Filter) (int, error)) (any, error) {
	f, err := requireFilter(req)
	if err != nil {
		return nil, err
	}
	if _, err := apply(req.CollectionName, f); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *Handler) createIndex(req *OpRequest) (any, error) {
	if req.Payload.Field == "" {
		return nil, badRequest("field not found")
	}
	if err := h.db.CreateIndex(req.CollectionName, req.Payload.Field); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func requireFilter(req *OpRequest) (domain.Filter, error) {
	if req.Payload.Filter == nil {
		return domain.Filter{}, badRequest("filter not found")
	}
	return domain.ParseFilter(req.Payload.Filter)
}

func findOptions(req *OpRequest) engine.FindOptions {
	return engine.FindOptions{
		Projection: req.Payload.Projection,
		Populate:   req.Payload.Populate,
	}
}

// EncodeOp marshals an op request body.
func EncodeOp(op, collection string, payload Payload) (*bytes.Reader, error) {
	data, err := json.Marshal(OpRequest{Op: op, CollectionName: collection, Payload: payload})
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
