package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/jsondb/pkg/engine"
)

func newEngineRouter(t *testing.T) http.Handler {
	t.Helper()
	reg, err := engine.NewRegistry(t.TempDir())
	require.NoError(t, err)
	db := engine.New(reg)
	t.Cleanup(func() { db.Close() })
	return newRouter(db)
}

func TestIntegration_UserLifecycle(t *testing.T) {
	router := newEngineRouter(t)

	w := post(t, router, `{"op":"insert","collectionName":"users","payload":{"documents":[
		{"name":"Ram Sharma","age":19},
		{"name":"X"},
		{"name":"X"}
	]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ids := decode(t, w)["ids"].([]any)
	require.Len(t, ids, 3)

	w = post(t, router, `{"op":"update","collectionName":"users","payload":{"filter":{"name":"Ram Sharma"},"data":{"age":30}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(t, router, `{"op":"filterOne","collectionName":"users","payload":{"filter":{"name":"Ram Sharma"}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode(t, w)["document"].(map[string]any)
	assert.Equal(t, ids[0], doc["id"])
	assert.EqualValues(t, 30, doc["age"])

	w = post(t, router, `{"op":"delete","collectionName":"users","payload":{"filter":{"name":"X"}}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, router, `{"op":"count","collectionName":"users"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = post(t, router, `{"op":"delete","collectionName":"users","payload":{"filter":{"name":"X"}}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "deleting nothing is rejected")
}

func TestIntegration_PopulateAndProjection(t *testing.T) {
	router := newEngineRouter(t)

	w := post(t, router, `{"op":"insert","collectionName":"teams","payload":{"documents":[{"name":"Core"}]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	teamID := decode(t, w)["ids"].([]any)[0].(string)

	w = post(t, router, `{"op":"insert","collectionName":"users","payload":{"documents":[
		{"name":"Ram","city":"Pune","team":{"$ref":"teams","$id":"`+teamID+`"}}
	]}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, router, `{"op":"filter","collectionName":"users","payload":{
		"filter":{"team":"`+teamID+`"},
		"projection":["team"],
		"populate":["team"]
	}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	docs := decode(t, w)["documents"].([]any)
	require.Len(t, docs, 1)

	doc := docs[0].(map[string]any)
	assert.NotContains(t, doc, "name")
	assert.Contains(t, doc, "id")
	assert.Contains(t, doc, "createdAt")
	team := doc["team"].(map[string]any)
	assert.Equal(t, "teams", team["$ref"])
	assert.Equal(t, "Core", team["$doc"].(map[string]any)["name"])
}

func TestIntegration_CreateIndex(t *testing.T) {
	router := newEngineRouter(t)

	w := post(t, router, `{"op":"insert","collectionName":"users","payload":{"documents":[{"age":19},{"age":29},{"age":19}]}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, router, `{"op":"createIndex","collectionName":"users","payload":{"field":"age"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(t, router, `{"op":"createIndex","collectionName":"users","payload":{"field":"age"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, router, `{"op":"count","collectionName":"users","payload":{"filter":{"age":19}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])
}
