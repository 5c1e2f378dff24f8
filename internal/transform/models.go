// Package transform defines the five analytical tables as SQL models over
// the raw relations.
//
// Each Model is a SELECT the engine materializes as a table named after the
// model. Parents name the relations the SELECT reads, which is what the
// engine uses to order and parallelize the builds.
package transform

import (
	"fmt"
	"strconv"

	"github.com/leapstack-labs/sparkify-lake/internal/source"
)

// Model names, which are also the relation names in the engine.
const (
	Songs     = "songs"
	Artists   = "artists"
	Users     = "users"
	Time      = "time"
	Songplays = "songplays"
)

// Options tune the model SQL.
type Options struct {
	// DurationTolerance bounds |length - duration| in the songplays join.
	// Zero means exact equality.
	DurationTolerance float64
}

// Model is one derived table.
type Model struct {
	Name string
	// Output is the sub-location under the output base.
	Output      string
	Parents     []string
	PartitionBy []string
	Columns     []string
	SQL         string
	// Volatile lists columns whose values are not stable across runs.
	Volatile []string
}

// Models returns the models in declaration order.
func Models(opts Options) []Model {
	return []Model{
		SongsModel(),
		ArtistsModel(),
		UsersModel(),
		TimeModel(),
		SongplaysModel(opts),
	}
}

// SongsModel derives one row per distinct catalog song.
func SongsModel() Model {
	return Model{
		Name:        Songs,
		Output:      "songs_table",
		Parents:     []string{source.RawSongs},
		PartitionBy: []string{"year", "artist_id"},
		Columns:     []string{"song_id", "title", "artist_id", "year", "duration"},
		SQL: `SELECT DISTINCT song_id, title, artist_id, "year", duration
FROM raw_songs`,
	}
}

// ArtistsModel derives one row per distinct catalog artist tuple.
func ArtistsModel() Model {
	return Model{
		Name:    Artists,
		Output:  "artists_table",
		Parents: []string{source.RawSongs},
		Columns: []string{"artist_id", "artist_name", "artist_location", "artist_latitude", "artist_longitude"},
		SQL: `SELECT DISTINCT artist_id, artist_name, artist_location, artist_latitude, artist_longitude
FROM raw_songs`,
	}
}

// UsersModel derives one row per distinct user tuple. A user whose level
// changed appears once per level.
func UsersModel() Model {
	return Model{
		Name:    Users,
		Output:  "users_table",
		Parents: []string{source.RawEvents},
		Columns: []string{"userId", "firstName", "lastName", "gender", "level"},
		SQL: `SELECT DISTINCT userId, firstName, lastName, gender, "level"
FROM raw_events`,
	}
}

// TimeModel derives one row per distinct second-resolution start time.
// Weekday runs 1 (Sunday) to 7 (Saturday).
func TimeModel() Model {
	return Model{
		Name:        Time,
		Output:      "time_table",
		Parents:     []string{source.RawEvents},
		PartitionBy: []string{"year", "month"},
		Columns:     []string{"ts", "start_time", "hour", "day", "week", "month", "year", "weekday"},
		SQL: `WITH plays AS (
    SELECT ts, date_trunc('second', epoch_ms(ts)) AS start_time
    FROM raw_events
    WHERE ts IS NOT NULL
)
SELECT
    min(ts) AS ts,
    start_time,
    CAST(hour(start_time) AS INTEGER) AS "hour",
    CAST(day(start_time) AS INTEGER) AS "day",
    CAST(weekofyear(start_time) AS INTEGER) AS "week",
    CAST(month(start_time) AS INTEGER) AS "month",
    CAST(year(start_time) AS INTEGER) AS "year",
    CAST(dayofweek(start_time) + 1 AS INTEGER) AS "weekday"
FROM plays
GROUP BY start_time`,
	}
}

// SongplaysModel joins play events to catalog songs on title, artist name
// and duration. songplay_id is assigned after deduplication in a fixed
// order, so it is unique and increasing within a run.
func SongplaysModel(opts Options) Model {
	return Model{
		Name:        Songplays,
		Output:      "songplays_table",
		Parents:     []string{source.RawEvents, source.RawSongs},
		PartitionBy: []string{"year", "month"},
		Columns: []string{
			"songplay_id", "start_time", "userId", "song_id", "artist_id",
			"sessionId", "location", "userAgent", "year", "month",
		},
		Volatile: []string{"songplay_id"},
		SQL: fmt.Sprintf(`WITH matched AS (
    SELECT DISTINCT
        epoch_ms(e.ts) AS start_time,
        e.userId,
        s.song_id,
        s.artist_id,
        e.sessionId,
        e.location,
        e.userAgent
    FROM raw_events e
    JOIN raw_songs s
      ON e.song = s.title
     AND e.artist = s.artist_name
     AND %s
)
SELECT
    row_number() OVER (ORDER BY start_time, userId, sessionId, song_id, artist_id, location, userAgent) AS songplay_id,
    start_time,
    userId,
    song_id,
    artist_id,
    sessionId,
    location,
    userAgent,
    CAST(year(start_time) AS INTEGER) AS "year",
    CAST(month(start_time) AS INTEGER) AS "month"
FROM matched`, durationPredicate(opts.DurationTolerance)),
	}
}

func durationPredicate(tolerance float64) string {
	if tolerance <= 0 {
		return "e.length = s.duration"
	}
	return "abs(e.length - s.duration) <= " + strconv.FormatFloat(tolerance, 'g', -1, 64)
}

// Lookup returns the model with the given name.
func Lookup(models []Model, name string) (Model, bool) {
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// TableNames returns the model names in declaration order.
func TableNames() []string {
	return []string{Songs, Artists, Users, Time, Songplays}
}
