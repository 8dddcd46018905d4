package library

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/resonance-music/resonance/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS artists (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS albums (
	id        INTEGER PRIMARY KEY,
	title     TEXT NOT NULL,
	artist_id INTEGER REFERENCES artists(id),
	year      INTEGER,
	UNIQUE(title, artist_id)
);
CREATE TABLE IF NOT EXISTS genres (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS tracks (
	id          INTEGER PRIMARY KEY,
	path        TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL,
	artist_id   INTEGER REFERENCES artists(id),
	album_id    INTEGER REFERENCES albums(id),
	genre_id    INTEGER REFERENCES genres(id),
	year        INTEGER,
	disc_no     INTEGER,
	track_no    INTEGER,
	duration_ms INTEGER,
	sample_rate INTEGER,
	bit_depth   INTEGER,
	bitrate     INTEGER,
	channels    INTEGER,
	has_artwork INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id);
CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist_id);
`

// Store is the sqlite-backed Library implementation.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the library database at path (":memory:" works).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("library: open %s: %w", path, err)
	}
	// modernc sqlite misbehaves with concurrent writers on one connection
	// pool; the store serializes writes itself.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("library: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// AddTrack upserts one scanned track, creating artist/album/genre rows as
// needed. Identity is the path.
func (s *Store) AddTrack(t models.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var artistID, albumID, genreID sql.NullInt64
	if t.Artist != "" {
		id, err := s.upsert("artists", "name", t.Artist)
		if err != nil {
			return err
		}
		artistID = sql.NullInt64{Int64: id, Valid: true}
	}
	if t.Album != "" {
		var id int64
		err := s.db.QueryRow(
			`INSERT INTO albums (title, artist_id, year) VALUES (?, ?, ?)
			 ON CONFLICT(title, artist_id) DO UPDATE SET year = COALESCE(NULLIF(excluded.year, 0), albums.year)
			 RETURNING id`, t.Album, artistID, t.Year).Scan(&id)
		if err != nil {
			return fmt.Errorf("library: upsert album %q: %w", t.Album, err)
		}
		albumID = sql.NullInt64{Int64: id, Valid: true}
	}
	if t.Genre != "" {
		id, err := s.upsert("genres", "name", t.Genre)
		if err != nil {
			return err
		}
		genreID = sql.NullInt64{Int64: id, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO tracks (path, title, artist_id, album_id, genre_id, year,
			disc_no, track_no, duration_ms, sample_rate, bit_depth, bitrate,
			channels, has_artwork)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			title = excluded.title, artist_id = excluded.artist_id,
			album_id = excluded.album_id, genre_id = excluded.genre_id,
			year = excluded.year, disc_no = excluded.disc_no,
			track_no = excluded.track_no, duration_ms = excluded.duration_ms,
			has_artwork = excluded.has_artwork`,
		t.Path, t.Title, artistID, albumID, genreID, t.Year,
		t.DiscNo, t.TrackNo, t.DurationMS, t.SampleRate, t.BitDepth,
		t.Bitrate, t.Channels, t.HasArtwork)
	if err != nil {
		return fmt.Errorf("library: insert track %q: %w", t.Path, err)
	}
	return nil
}

func (s *Store) upsert(table, col, value string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?)
			ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s RETURNING id`,
			table, col, col, col, col), value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("library: upsert %s %q: %w", table, value, err)
	}
	return id, nil
}

const trackSelect = `
SELECT t.id, t.path, t.title,
       COALESCE(ar.name, ''), COALESCE(t.artist_id, 0),
       COALESCE(al.title, ''), COALESCE(t.album_id, 0),
       COALESCE(g.name, ''), COALESCE(t.genre_id, 0),
       t.year, t.disc_no, t.track_no, t.duration_ms,
       t.sample_rate, t.bit_depth, t.bitrate, t.channels, t.has_artwork
FROM tracks t
LEFT JOIN artists ar ON ar.id = t.artist_id
LEFT JOIN albums  al ON al.id = t.album_id
LEFT JOIN genres  g  ON g.id = t.genre_id`

func scanTrack(row interface{ Scan(...any) error }) (models.Track, error) {
	var t models.Track
	var hasArt int
	err := row.Scan(&t.ID, &t.Path, &t.Title,
		&t.Artist, &t.ArtistID, &t.Album, &t.AlbumID, &t.Genre, &t.GenreID,
		&t.Year, &t.DiscNo, &t.TrackNo, &t.DurationMS,
		&t.SampleRate, &t.BitDepth, &t.Bitrate, &t.Channels, &hasArt)
	t.HasArtwork = hasArt != 0
	return t, err
}

// Track looks a track up by id.
func (s *Store) Track(id int64) (models.Track, bool) {
	t, err := scanTrack(s.db.QueryRow(trackSelect+" WHERE t.id = ?", id))
	return t, err == nil
}

// TrackByPath looks a track up by its path identity.
func (s *Store) TrackByPath(path string) (models.Track, bool) {
	t, err := scanTrack(s.db.QueryRow(trackSelect+" WHERE t.path = ?", path))
	return t, err == nil
}

func (f Filter) trackWhere() (string, []any) {
	var conds []string
	var args []any
	if f.AlbumID != 0 {
		conds = append(conds, "t.album_id = ?")
		args = append(args, f.AlbumID)
	}
	if f.ArtistID != 0 {
		conds = append(conds, "t.artist_id = ?")
		args = append(args, f.ArtistID)
	}
	if f.GenreID != 0 {
		conds = append(conds, "t.genre_id = ?")
		args = append(args, f.GenreID)
	}
	if f.Year != 0 {
		conds = append(conds, "t.year = ?")
		args = append(args, f.Year)
	}
	if f.Search != "" {
		conds = append(conds, "(t.title LIKE ? OR ar.name LIKE ? OR al.title LIKE ?)")
		p := "%" + f.Search + "%"
		args = append(args, p, p, p)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) page() string {
	if f.Count <= 0 {
		if f.Start > 0 {
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", f.Start)
		}
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", f.Count, f.Start)
}

func trackOrder(sort string) string {
	switch sort {
	case "artist":
		return " ORDER BY ar.name, al.title, t.disc_no, t.track_no"
	case "album", "tracknum":
		return " ORDER BY al.title, t.disc_no, t.track_no"
	case "year":
		return " ORDER BY t.year, al.title, t.track_no"
	default:
		return " ORDER BY t.title"
	}
}

// Tracks returns matching tracks plus the unpaged total.
func (s *Store) Tracks(f Filter) ([]models.Track, int, error) {
	where, args := f.trackWhere()

	var total int
	countQ := "SELECT COUNT(*) FROM tracks t LEFT JOIN artists ar ON ar.id = t.artist_id LEFT JOIN albums al ON al.id = t.album_id" + where
	if err := s.db.QueryRow(countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("library: count tracks: %w", err)
	}

	rows, err := s.db.Query(trackSelect+where+trackOrder(f.Sort)+f.page(), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("library: query tracks: %w", err)
	}
	defer rows.Close()

	var out []models.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// Albums returns matching albums plus the unpaged total.
func (s *Store) Albums(f Filter) ([]models.Album, int, error) {
	var conds []string
	var args []any
	if f.ArtistID != 0 {
		conds = append(conds, "al.artist_id = ?")
		args = append(args, f.ArtistID)
	}
	if f.Year != 0 {
		conds = append(conds, "al.year = ?")
		args = append(args, f.Year)
	}
	if f.GenreID != 0 {
		conds = append(conds, "al.id IN (SELECT album_id FROM tracks WHERE genre_id = ?)")
		args = append(args, f.GenreID)
	}
	if f.Search != "" {
		conds = append(conds, "al.title LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM albums al"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("library: count albums: %w", err)
	}

	q := `SELECT al.id, al.title, COALESCE(ar.name, ''), COALESCE(al.artist_id, 0), al.year,
			(SELECT COUNT(*) FROM tracks WHERE album_id = al.id),
			COALESCE((SELECT MAX(has_artwork) FROM tracks WHERE album_id = al.id), 0)
		FROM albums al LEFT JOIN artists ar ON ar.id = al.artist_id` +
		where + " ORDER BY al.title" + f.page()
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("library: query albums: %w", err)
	}
	defer rows.Close()

	var out []models.Album
	for rows.Next() {
		var a models.Album
		var hasArt int
		if err := rows.Scan(&a.ID, &a.Title, &a.Artist, &a.ArtistID, &a.Year, &a.TrackCount, &hasArt); err != nil {
			return nil, 0, err
		}
		a.HasArtwork = hasArt != 0
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Artists returns matching artists plus the unpaged total.
func (s *Store) Artists(f Filter) ([]models.Artist, int, error) {
	where := ""
	var args []any
	if f.Search != "" {
		where = " WHERE ar.name LIKE ?"
		args = append(args, "%"+f.Search+"%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM artists ar"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("library: count artists: %w", err)
	}

	q := `SELECT ar.id, ar.name, (SELECT COUNT(*) FROM albums WHERE artist_id = ar.id)
		FROM artists ar` + where + " ORDER BY ar.name" + f.page()
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("library: query artists: %w", err)
	}
	defer rows.Close()

	var out []models.Artist
	for rows.Next() {
		var a models.Artist
		if err := rows.Scan(&a.ID, &a.Name, &a.AlbumCount); err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Genres returns matching genres plus the unpaged total.
func (s *Store) Genres(f Filter) ([]models.Genre, int, error) {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM genres").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("library: count genres: %w", err)
	}
	rows, err := s.db.Query("SELECT id, name FROM genres ORDER BY name" + f.page())
	if err != nil {
		return nil, 0, fmt.Errorf("library: query genres: %w", err)
	}
	defer rows.Close()

	var out []models.Genre
	for rows.Next() {
		var g models.Genre
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, 0, err
		}
		out = append(out, g)
	}
	return out, total, rows.Err()
}

// Totals returns the library counts for serverstatus.
func (s *Store) Totals() (tracks, albums, artists int) {
	_ = s.db.QueryRow("SELECT COUNT(*) FROM tracks").Scan(&tracks)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM albums").Scan(&albums)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM artists").Scan(&artists)
	return
}
