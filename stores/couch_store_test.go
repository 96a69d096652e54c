package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCouch serves the subset of the CouchDB document API the store relies on, including revision
// conflicts on stale writes.
type fakeCouch struct {
	mu   sync.Mutex
	db   string
	docs map[string]map[string]interface{}
	seq  int
}

func newFakeCouch(db string) *fakeCouch {
	return &fakeCouch{db: db, docs: map[string]map[string]interface{}{}}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != f.db {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "Database does not exist."})
		return
	}
	if len(parts) == 1 || parts[1] == "" {
		// HEAD/PUT on the database itself
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "db_name": f.db})
		return
	}
	id := parts[1]
	if id == "_find" && r.Method == http.MethodPost {
		f.find(w, r)
		return
	}
	cur, exists := f.docs[id]
	switch r.Method {
	case http.MethodGet:
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "missing"})
			return
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", cur["_rev"]))
		writeJSON(w, http.StatusOK, cur)
	case http.MethodPut:
		doc := map[string]interface{}{}
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
			return
		}
		rev, _ := doc["_rev"].(string)
		if (exists && rev != cur["_rev"]) || (!exists && rev != "") {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		f.seq++
		doc["_id"] = id
		doc["_rev"] = fmt.Sprintf("%d-fake", f.seq)
		f.docs[id] = doc
		w.Header().Set("ETag", fmt.Sprintf("%q", doc["_rev"]))
		writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id, "rev": doc["_rev"]})
	case http.MethodDelete:
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "deleted"})
			return
		}
		if r.URL.Query().Get("rev") != cur["_rev"] {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		delete(f.docs, id)
		f.seq++
		rev := fmt.Sprintf("%d-fake", f.seq)
		w.Header().Set("ETag", fmt.Sprintf("%q", rev))
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id, "rev": rev})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	}
}

// find understands the junk selector only: one field below a bound or exhausted
func (f *fakeCouch) find(w http.ResponseWriter, r *http.Request) {
	var q struct {
		Selector struct {
			Or []map[string]json.RawMessage `json:"$or"`
		} `json:"selector"`
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	field, bound := "", interface{}(nil)
	for _, clause := range q.Selector.Or {
		for k, raw := range clause {
			var lt struct {
				Lt interface{} `json:"$lt"`
			}
			if json.Unmarshal(raw, &lt) == nil && lt.Lt != nil {
				field, bound = k, lt.Lt
			}
		}
	}
	docs := []map[string]interface{}{}
	for _, d := range f.docs {
		if q.Limit > 0 && len(docs) >= q.Limit {
			break
		}
		match := d["exhausted"] == true
		if field != "" && collatesBefore(d[field], bound) {
			match = true
		}
		if match {
			docs = append(docs, map[string]interface{}{"_id": d["_id"], "contentRef": d["contentRef"]})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"docs": docs})
}

// collatesBefore compares like CouchDB does for values of the same json type: numbers by value and
// strings by their bytes
func collatesBefore(v, bound interface{}) bool {
	switch b := bound.(type) {
	case float64:
		n, ok := v.(float64)
		return ok && n < b
	case string:
		s, ok := v.(string)
		return ok && s < b
	}
	return false
}

func TestCouchStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ArtifactStore {
		srv := httptest.NewServer(newFakeCouch("zaps"))
		t.Cleanup(srv.Close)
		s, err := NewCouchStore(context.Background(), srv.URL, "zaps")
		require.NoError(t, err)
		return s
	})
}

func TestCouchStore_JunkSubSecondExpiry(t *testing.T) {
	srv := httptest.NewServer(newFakeCouch("zaps"))
	defer srv.Close()
	s, err := NewCouchStore(context.Background(), srv.URL, "zaps")
	require.NoError(t, err)
	ctx := context.Background()

	sec := time.Now().Add(time.Hour).Truncate(time.Second)
	onTheSecond := fakeArtifact("second01")
	onTheSecond.ExpiresAt = at(sec)
	require.Nil(t, s.Create(ctx, onTheSecond))
	later := fakeArtifact("fraction")
	later.ExpiresAt = at(sec.Add(700 * time.Millisecond))
	require.Nil(t, s.Create(ctx, later))

	jks, perr := s.Junk(ctx, sec.Add(300*time.Millisecond), 0)
	require.Nil(t, perr)
	ids := []string{}
	for _, jk := range jks {
		ids = append(ids, jk.ShortID)
	}
	assert.Equal(t, []string{"second01"}, ids)
}
