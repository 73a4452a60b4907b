package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchemaRegistryReusesRegisteredSchema(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/subjects/streak_events-value" {
			_ = json.NewEncoder(w).Encode(map[string]any{"subject": "streak_events-value", "id": 11, "version": 3})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(context.Background(), "streak_events-value", streakUpdatedSchema)
	require.NoError(t, err)
	require.Equal(t, 11, id)
	require.Equal(t, []string{"POST /subjects/streak_events-value"}, paths)
}

func TestSchemaRegistryRegistersMissingSchema(t *testing.T) {
	var (
		registered  map[string]any
		path        string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/subjects/streak_day_resolved-value" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40401,"message":"Subject not found."}`))
			return
		}
		path, contentType = r.URL.Path, r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&registered)
		_ = json.NewEncoder(w).Encode(map[string]int{"id": 12})
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "streak_day_resolved-value", streakDayResolvedSchema)
	require.NoError(t, err)
	require.Equal(t, 12, id)
	require.Equal(t, "/subjects/streak_day_resolved-value/versions", path)
	require.Equal(t, "application/vnd.schemaregistry.v1+json", contentType)
	require.Equal(t, "JSON", registered["schemaType"])
	require.JSONEq(t, streakDayResolvedSchema, registered["schema"].(string))
}

func TestSchemaRegistrySurfacesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error_code":50001,"message":"Error in the backend datastore"}`))
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "streak_events-value", streakUpdatedSchema)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, 50001, regErr.ErrorCode)
	require.Equal(t, 1, calls, "a failed lookup must not fall through to registration")
}

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(258, []byte(`{"user_id":"u"}`))
	require.Equal(t, byte(0), frame[0])
	require.Equal(t, uint32(258), binary.BigEndian.Uint32(frame[1:5]))
	require.JSONEq(t, `{"user_id":"u"}`, string(frame[5:]))
}

func TestSchemaCatalogCoversPublishedEvents(t *testing.T) {
	for eventType, entry := range schemaCatalog {
		var schema map[string]any
		require.NoErrorf(t, json.Unmarshal([]byte(entry.Schema), &schema), "schema for %s", eventType)
		require.Equal(t, "object", schema["type"])
	}
	require.Len(t, schemaCatalog, 2)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := NewDLQManager(nil, 3, time.Minute, nil)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(12))
}
