package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryRequest(raw string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/api/v1/nodes?"+raw, nil)
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query   string
		want    Pagination
		wantErr bool
	}{
		{query: "", want: Pagination{Limit: defaultPageLimit}},
		{query: "limit=0", want: Pagination{Limit: defaultPageLimit}},
		{query: "limit=10&offset=20", want: Pagination{Limit: 10, Offset: 20}},
		{query: "limit=1000", want: Pagination{Limit: maxPageLimit}},
		{query: "limit=1001", wantErr: true},
		{query: "limit=-1", wantErr: true},
		{query: "offset=abc", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			got, err := ParsePagination(queryRequest(tc.query))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page := paginate(items, Pagination{Limit: 2, Offset: 1})
	assert.Equal(t, []int{2, 3}, page.Items)
	assert.Equal(t, 5, page.Total)

	page = paginate(items, Pagination{Limit: 10, Offset: 4})
	assert.Equal(t, []int{5}, page.Items)

	page = paginate(items, Pagination{Limit: 10, Offset: 9})
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)

	page = paginate[int](nil, Pagination{Limit: 10})
	assert.NotNil(t, page.Items)
	assert.Zero(t, page.Total)
}

func TestParseSorting(t *testing.T) {
	allowed := []string{"id", "region"}

	s, err := ParseSorting(queryRequest(""), allowed, "id")
	require.NoError(t, err)
	assert.Equal(t, Sorting{Field: "id"}, s)

	s, err = ParseSorting(queryRequest("sort_by=region&sort_order=DESC"), allowed, "id")
	require.NoError(t, err)
	assert.Equal(t, Sorting{Field: "region", Desc: true}, s)
	assert.Equal(t, -1, s.order(1))

	_, err = ParseSorting(queryRequest("sort_by=latency"), allowed, "id")
	assert.ErrorContains(t, err, "sort_by")

	_, err = ParseSorting(queryRequest("sort_order=sideways"), allowed, "id")
	assert.ErrorContains(t, err, "sort_order")
}

func TestParseBoolQuery(t *testing.T) {
	v, err := ParseBoolQuery(queryRequest(""), "online")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseBoolQuery(queryRequest("online=true"), "online")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, *v)

	_, err = ParseBoolQuery(queryRequest("online=maybe"), "online")
	assert.Error(t, err)
}
