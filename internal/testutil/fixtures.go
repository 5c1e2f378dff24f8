package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

// SongRecord is one song-catalog input file.
type SongRecord struct {
	SongID          string   `json:"song_id"`
	Title           string   `json:"title"`
	ArtistID        string   `json:"artist_id"`
	ArtistName      string   `json:"artist_name"`
	ArtistLocation  string   `json:"artist_location"`
	ArtistLatitude  *float64 `json:"artist_latitude"`
	ArtistLongitude *float64 `json:"artist_longitude"`
	Duration        float64  `json:"duration"`
	Year            int      `json:"year"`
	NumSongs        int      `json:"num_songs"`
}

// LogRecord is one line of an event-log input file.
type LogRecord struct {
	Artist        *string  `json:"artist"`
	Auth          string   `json:"auth"`
	FirstName     string   `json:"firstName"`
	Gender        string   `json:"gender"`
	ItemInSession int      `json:"itemInSession"`
	LastName      string   `json:"lastName"`
	Length        *float64 `json:"length"`
	Level         string   `json:"level"`
	Location      string   `json:"location"`
	Method        string   `json:"method"`
	Page          string   `json:"page"`
	Registration  float64  `json:"registration"`
	SessionID     int      `json:"sessionId"`
	Song          *string  `json:"song"`
	Status        int      `json:"status"`
	Ts            int64    `json:"ts"`
	UserAgent     string   `json:"userAgent"`
	UserID        string   `json:"userId"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Sample catalog: two distinct songs, one of them present twice.
var SampleSongs = []SongRecord{
	{
		SongID: "SOAAAQN12AB01856D3", Title: "Setanta matins", ArtistID: "ARTC1LV1187B9A4858",
		ArtistName: "Elena", ArtistLocation: "Dubai UAE", Duration: 269.58322, Year: 0, NumSongs: 1,
	},
	{
		SongID: "SOBBXLX12A58A79DDA", Title: "Sehr kosmisch", ArtistID: "ARMJAGH1187FB546F3",
		ArtistName: "Harmonia", ArtistLocation: "Forst, Germany",
		ArtistLatitude: Ptr(51.73), ArtistLongitude: Ptr(14.63),
		Duration: 655.77751, Year: 1974, NumSongs: 1,
	},
	{
		SongID: "SOBBXLX12A58A79DDA", Title: "Sehr kosmisch", ArtistID: "ARMJAGH1187FB546F3",
		ArtistName: "Harmonia", ArtistLocation: "Forst, Germany",
		ArtistLatitude: Ptr(51.73), ArtistLongitude: Ptr(14.63),
		Duration: 655.77751, Year: 1974, NumSongs: 1,
	},
}

// SampleEvents holds five log lines: four NextSong events (two of them in
// the same second, one with no catalog match) and one Home page view.
// User 10 changes level from free to paid.
var SampleEvents = []LogRecord{
	{
		Artist: Ptr("Harmonia"), Song: Ptr("Sehr kosmisch"), Length: Ptr(655.77751),
		Auth: "Logged In", FirstName: "Sophie", LastName: "Smith", Gender: "F", Level: "free",
		Location: "Raleigh, NC", Method: "PUT", Page: "NextSong", SessionID: 484, Status: 200,
		Ts: 1542069000000, UserAgent: "Mozilla/5.0", UserID: "10",
	},
	{
		Artist: Ptr("Harmonia"), Song: Ptr("Sehr kosmisch"), Length: Ptr(655.77751),
		Auth: "Logged In", FirstName: "Sophie", LastName: "Smith", Gender: "F", Level: "free",
		Location: "Raleigh, NC", Method: "PUT", Page: "NextSong", SessionID: 484, Status: 200,
		Ts: 1542069000500, UserAgent: "Mozilla/5.0", UserID: "10",
	},
	{
		Artist: Ptr("Nobody"), Song: Ptr("Unknown Song"), Length: Ptr(100.0),
		Auth: "Logged In", FirstName: "Ryan", LastName: "Jones", Gender: "M", Level: "free",
		Location: "Tulsa, OK", Method: "PUT", Page: "NextSong", SessionID: 12, Status: 200,
		Ts: 1542070000000, UserAgent: "curl/8.0", UserID: "26",
	},
	{
		Auth: "Logged In", FirstName: "Ryan", LastName: "Jones", Gender: "M", Level: "free",
		Location: "Tulsa, OK", Method: "GET", Page: "Home", SessionID: 12, Status: 200,
		Ts: 1542070001000, UserAgent: "curl/8.0", UserID: "26",
	},
	{
		Artist: Ptr("Elena"), Song: Ptr("Setanta matins"), Length: Ptr(269.58322),
		Auth: "Logged In", FirstName: "Sophie", LastName: "Smith", Gender: "F", Level: "paid",
		Location: "Raleigh, NC", Method: "PUT", Page: "NextSong", SessionID: 500, Status: 200,
		Ts: 1542153600000, UserAgent: "Mozilla/5.0", UserID: "10",
	},
}

// SetupInputTree writes the sample catalog and events under a new
// temporary directory in the song_data/ and log_data/ layout and returns it.
func SetupInputTree(t testing.TB) string {
	t.Helper()
	root := t.TempDir()
	WriteSongs(t, root, SampleSongs)
	WriteEvents(t, root, "2018-11-13-events.json", SampleEvents)
	return root
}

// WriteSongs writes one catalog file per record, nested by the first three
// characters of the song ID.
func WriteSongs(t testing.TB, root string, songs []SongRecord) {
	t.Helper()
	for i, s := range songs {
		dir := filepath.Join(root, "song_data", string(s.SongID[2]), string(s.SongID[3]), string(s.SongID[4]))
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("failed to marshal song: %v", err)
		}
		name := s.SongID + "_" + string(rune('a'+i)) + ".json"
		writeFile(t, filepath.Join(dir, name), data)
	}
}

// WriteEvents writes events as newline-delimited JSON into
// log_data/2018/11/<name>.
func WriteEvents(t testing.TB, root, name string, events []LogRecord) {
	t.Helper()
	lines := make([]string, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("failed to marshal event: %v", err)
		}
		lines = append(lines, string(data))
	}
	writeFile(t, filepath.Join(root, "log_data", "2018", "11", name), []byte(strings.Join(lines, "\n")+"\n"))
}

// WriteRaw writes arbitrary content to root/rel.
func WriteRaw(t testing.TB, root, rel, content string) {
	t.Helper()
	writeFile(t, filepath.Join(root, rel), []byte(content))
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
