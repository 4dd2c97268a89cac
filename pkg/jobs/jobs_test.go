package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/task"
)

func newClient(server *httptest.Server) *fetch.Client {
	return fetch.NewTestClient(server.Client(), fetch.DefaultConfig())
}

func TestExpand(t *testing.T) {
	got := Expand("https://x/api/{id}/?a={archetype}", map[string]string{
		PlaceholderID:        "158023",
		PlaceholderArchetype: "box to box",
	})
	want := "https://x/api/158023/?a=box+to+box"
	if got != want {
		t.Errorf("Expand() = %q, want %q", got, want)
	}
}

func TestItemDefinition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/42/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id":42,"name":"Player"}`))
	}))
	defer server.Close()

	transform := ItemDefinition(server.URL + "/api/{id}/")
	doc, err := transform(context.Background(), newClient(server), task.WorkItem{ID: "42"})
	if err != nil {
		t.Fatalf("transform error = %v", err)
	}
	if !strings.Contains(string(doc), `"Player"`) {
		t.Errorf("doc = %s, want the player document", doc)
	}

	_, err = transform(context.Background(), newClient(server), task.WorkItem{ID: "7"})
	var reqErr *fetch.RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound {
		t.Errorf("transform error = %v, want 404 RequestError", err)
	}
}

func TestItemDefinition_NullBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer server.Close()

	_, err := ItemDefinition(server.URL+"/{id}")(context.Background(), newClient(server), task.WorkItem{ID: "1"})
	if !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("transform error = %v, want ErrEmptyPayload", err)
	}
}

const listingHTML = `<html><body>
<a class="fc-card-container" href="/players/158023-lionel-messi/25-158023/">Messi</a>
<a class="fc-card-container" href="https://www.example.com/players/20801-cristiano/25-20801/">Ronaldo</a>
<a class="fc-card-container" href="/players/158023-lionel-messi/25-158023/">dup</a>
<a class="other" href="/players/1-x/25-1/">ignored</a>
<a class="fc-card-container">no href</a>
</body></html>`

func TestExtractIDs(t *testing.T) {
	ids, err := ExtractIDs("https://www.example.com/players/?page=1", []byte(listingHTML), DefaultCardSelector, DefaultIDPattern)
	if err != nil {
		t.Fatalf("ExtractIDs() error = %v", err)
	}

	want := []string{"158023", "20801"}
	if len(ids) != len(want) {
		t.Fatalf("ExtractIDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ExtractIDs()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestListingPage_EmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>nothing here</body></html>`))
	}))
	defer server.Close()

	ids, err := ListingPage("", nil)(context.Background(), newClient(server), task.WorkItem{ID: server.URL + "/players/?page=9"})
	if err != nil {
		t.Fatalf("transform error = %v", err)
	}
	if ids == nil || len(ids) != 0 {
		t.Errorf("ids = %#v, want empty non-nil slice", ids)
	}
}

func TestMetaRatings(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		archetype := r.URL.Query().Get("archetypeId")
		calls = append(calls, archetype)
		switch archetype {
		case "10":
			w.Write([]byte(`[{"chemstyleId":250,"chemistry":0,"metaRating":91.5},{"chemstyleId":999,"metaRating":90}]`))
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	config := MetaConfig{
		URLTemplate: server.URL + "/meta?archetypeId={archetype}&resourceId={id}",
		ChemStyles:  map[string]string{"250": "Basic"},
	}
	item := task.WorkItem{
		ID:   "158023",
		Meta: json.RawMessage(`{"eaId":158023,"commonName":"Messi","archetype":[10,11]}`),
	}

	doc, err := MetaRatings(config, zerolog.Nop())(context.Background(), newClient(server), item)
	if err != nil {
		t.Fatalf("transform error = %v", err)
	}

	var out struct {
		CommonName  string             `json:"commonName"`
		MetaRatings []ArchetypeRatings `json:"metaRatings"`
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}

	if out.CommonName != "Messi" {
		t.Errorf("commonName = %q, want record fields preserved", out.CommonName)
	}
	if len(out.MetaRatings) != 2 {
		t.Fatalf("metaRatings = %d entries, want 2", len(out.MetaRatings))
	}
	first := out.MetaRatings[0]
	if first.Archetype != "10" || len(first.Ratings) != 2 {
		t.Fatalf("metaRatings[0] = %+v, want archetype 10 with 2 ratings", first)
	}
	if first.Ratings[0]["chemStyle"] != "Basic" {
		t.Errorf("chemStyle = %v, want Basic", first.Ratings[0]["chemStyle"])
	}
	if first.Ratings[1]["chemStyle"] != float64(999) {
		t.Errorf("chemStyle = %v, want unmapped id 999", first.Ratings[1]["chemStyle"])
	}
	if out.MetaRatings[1].Ratings == nil {
		t.Error("empty rating list should be kept as []")
	}
	if len(calls) != 2 {
		t.Errorf("requests = %d, want 2", len(calls))
	}
}

func TestMetaRatings_NoArchetypes(t *testing.T) {
	item := task.WorkItem{ID: "1", Meta: json.RawMessage(`{"eaId":1}`)}

	doc, err := MetaRatings(MetaConfig{URLTemplate: "http://unused/{id}"}, zerolog.Nop())(context.Background(), nil, item)
	if err != nil {
		t.Fatalf("transform error = %v", err)
	}
	if !strings.Contains(string(doc), `"metaRatings":[]`) {
		t.Errorf("doc = %s, want empty metaRatings", doc)
	}
}

func TestMetaRatings_FetchFailureFailsAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	item := task.WorkItem{ID: "1", Meta: json.RawMessage(`{"archetype":["a"]}`)}
	_, err := MetaRatings(MetaConfig{URLTemplate: server.URL + "/{id}/{archetype}"}, zerolog.Nop())(context.Background(), newClient(server), item)
	if err == nil {
		t.Error("transform should fail when a rating fetch fails")
	}
}

func TestMetaRatings_CanceledBetweenArchetypes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	config := MetaConfig{URLTemplate: server.URL + "/{id}/{archetype}", ArchetypeDelay: time.Second}
	item := task.WorkItem{ID: "1", Meta: json.RawMessage(`{"archetype":["a","b"]}`)}
	_, err := MetaRatings(config, zerolog.Nop())(ctx, newClient(server), item)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("transform error = %v, want context.DeadlineExceeded", err)
	}
}

func TestMetaRatings_NotARecord(t *testing.T) {
	_, err := MetaRatings(MetaConfig{}, zerolog.Nop())(context.Background(), nil, task.WorkItem{ID: "1"})
	if !errors.Is(err, ErrNotARecord) {
		t.Errorf("transform error = %v, want ErrNotARecord", err)
	}
}
