// Package database persists scanned metadata records and built hierarchies
// in a sqlite file, so repeated builds over the same session folder skip the
// exiftool pass.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"maggrid/logging"
	"maggrid/types"

	_ "github.com/mattn/go-sqlite3"
)

// InitDatabase initializes and returns a database connection
func InitDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Create tables if they don't exist
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		pixels_width INTEGER,
		pixels_height INTEGER,
		fov_width REAL,
		fov_height REAL,
		magnification REAL,
		mode TEXT,
		high_voltage REAL,
		spot_size REAL,
		position_x REAL,
		position_y REAL,
		created_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_images_path ON images(path);
	CREATE INDEX IF NOT EXISTS idx_images_magnification ON images(magnification);

	CREATE TABLE IF NOT EXISTS collections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		mode TEXT,
		high_voltage REAL,
		spot_size REAL,
		created_at TEXT
	);

	CREATE TABLE IF NOT EXISTS collection_images (
		collection_id INTEGER NOT NULL,
		path TEXT NOT NULL,
		magnification REAL,
		FOREIGN KEY(collection_id) REFERENCES collections(id)
	);
	CREATE INDEX IF NOT EXISTS idx_collection_images ON collection_images(collection_id);

	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_id INTEGER NOT NULL,
		container_path TEXT NOT NULL,
		contained_path TEXT NOT NULL,
		FOREIGN KEY(collection_id) REFERENCES collections(id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_collection ON edges(collection_id);`

	_, err = db.Exec(createTableSQL)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// OpenDatabase opens an existing database connection
func OpenDatabase(dbPath string) (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath)
}

// nullable converts an absent numeric field to a SQL NULL, since sqlite has
// no NaN representation.
func nullable(v float64) sql.NullFloat64 {
	if types.IsAbsent(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// floatOrAbsent converts a SQL NULL back to the absent marker.
func floatOrAbsent(v sql.NullFloat64) float64 {
	if !v.Valid {
		return types.Absent()
	}
	return v.Float64
}

// StoreImageMetadata inserts or replaces a scanned metadata record.
func StoreImageMetadata(db *sql.DB, meta *types.ImageMetadata) error {
	stmt, err := db.Prepare(`
		INSERT OR REPLACE INTO images (
			path, pixels_width, pixels_height, fov_width, fov_height,
			magnification, mode, high_voltage, spot_size, position_x, position_y, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("cannot prepare statement for %s: %v", meta.ImagePath, err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(
		meta.ImagePath,
		meta.PixelsWidth,
		meta.PixelsHeight,
		nullable(meta.FieldOfViewWidth),
		nullable(meta.FieldOfViewHeight),
		nullable(meta.Magnification),
		meta.Mode,
		nullable(meta.HighVoltage),
		nullable(meta.SpotSize),
		nullable(meta.SamplePositionX),
		nullable(meta.SamplePositionY),
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("cannot insert data for %s: %v", meta.ImagePath, err)
	}
	return nil
}

// LoadImageMetadata retrieves all stored metadata records, path-ordered.
func LoadImageMetadata(db *sql.DB) ([]types.ImageEntry, error) {
	rows, err := db.Query(`
		SELECT path, pixels_width, pixels_height, fov_width, fov_height,
			magnification, mode, high_voltage, spot_size, position_x, position_y
		FROM images ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %v", err)
	}
	defer rows.Close()

	var entries []types.ImageEntry
	for rows.Next() {
		var (
			meta                      types.ImageMetadata
			fovW, fovH, mag, hv, spot sql.NullFloat64
			posX, posY                sql.NullFloat64
		)
		err := rows.Scan(&meta.ImagePath, &meta.PixelsWidth, &meta.PixelsHeight,
			&fovW, &fovH, &mag, &meta.Mode, &hv, &spot, &posX, &posY)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image row: %v", err)
		}
		meta.FieldOfViewWidth = floatOrAbsent(fovW)
		meta.FieldOfViewHeight = floatOrAbsent(fovH)
		meta.Magnification = floatOrAbsent(mag)
		meta.HighVoltage = floatOrAbsent(hv)
		meta.SpotSize = floatOrAbsent(spot)
		meta.SamplePositionX = floatOrAbsent(posX)
		meta.SamplePositionY = floatOrAbsent(posY)

		m := meta
		entries = append(entries, types.ImageEntry{Path: meta.ImagePath, Meta: &m})
	}
	return entries, rows.Err()
}

// StoreCollection persists one magnification chain with its member images
// and containment edges in a single transaction. Existing rows under the
// same collection name are replaced.
func StoreCollection(db *sql.DB, c *types.Collection) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %v", err)
	}
	defer tx.Rollback()

	// Replace any earlier build of the same chain.
	var oldID int64
	err = tx.QueryRow("SELECT id FROM collections WHERE name = ?", c.Name).Scan(&oldID)
	if err == nil {
		if _, err := tx.Exec("DELETE FROM collection_images WHERE collection_id = ?", oldID); err != nil {
			return fmt.Errorf("cannot clear collection images: %v", err)
		}
		if _, err := tx.Exec("DELETE FROM edges WHERE collection_id = ?", oldID); err != nil {
			return fmt.Errorf("cannot clear collection edges: %v", err)
		}
		if _, err := tx.Exec("DELETE FROM collections WHERE id = ?", oldID); err != nil {
			return fmt.Errorf("cannot clear collection: %v", err)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("cannot check for existing collection: %v", err)
	}

	res, err := tx.Exec(`
		INSERT INTO collections (name, mode, high_voltage, spot_size, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.Name, c.Key.Mode, nullable(c.Key.HighVoltage), nullable(c.Key.SpotSize),
		time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cannot insert collection %s: %v", c.Name, err)
	}
	collectionID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("cannot get collection id: %v", err)
	}

	for mag, paths := range c.MagLevels {
		for _, path := range paths {
			if _, err := tx.Exec(`
				INSERT INTO collection_images (collection_id, path, magnification)
				VALUES (?, ?, ?)
			`, collectionID, path, mag); err != nil {
				return fmt.Errorf("cannot insert collection image %s: %v", path, err)
			}
		}
	}

	for _, edge := range c.Edges() {
		if _, err := tx.Exec(`
			INSERT INTO edges (collection_id, container_path, contained_path)
			VALUES (?, ?, ?)
		`, collectionID, edge.ContainerPath, edge.ContainedPath); err != nil {
			return fmt.Errorf("cannot insert edge %s -> %s: %v",
				edge.ContainerPath, edge.ContainedPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cannot commit collection %s: %v", c.Name, err)
	}

	logging.DebugLog("Stored collection %s: %d images, %d edges", c.Name, c.Len(), len(c.Edges()))
	return nil
}

// LoadCollections retrieves all stored chains, name-ordered.
func LoadCollections(db *sql.DB) ([]*types.Collection, error) {
	rows, err := db.Query("SELECT id, name, mode, high_voltage, spot_size FROM collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %v", err)
	}
	defer rows.Close()

	type collectionRow struct {
		id  int64
		col *types.Collection
	}
	var loaded []collectionRow
	for rows.Next() {
		var (
			id       int64
			name     string
			mode     string
			hv, spot sql.NullFloat64
		)
		if err := rows.Scan(&id, &name, &mode, &hv, &spot); err != nil {
			return nil, fmt.Errorf("failed to scan collection row: %v", err)
		}
		key := types.AcquisitionKey{
			Mode:        mode,
			HighVoltage: floatOrAbsent(hv),
			SpotSize:    floatOrAbsent(spot),
		}
		loaded = append(loaded, collectionRow{id: id, col: types.NewCollection(name, key)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, lc := range loaded {
		if err := loadCollectionMembers(db, lc.id, lc.col); err != nil {
			return nil, err
		}
	}

	collections := make([]*types.Collection, 0, len(loaded))
	for _, lc := range loaded {
		collections = append(collections, lc.col)
	}
	return collections, nil
}

func loadCollectionMembers(db *sql.DB, collectionID int64, c *types.Collection) error {
	imgRows, err := db.Query(`
		SELECT path, magnification FROM collection_images
		WHERE collection_id = ? ORDER BY magnification DESC, path
	`, collectionID)
	if err != nil {
		return fmt.Errorf("failed to query collection images: %v", err)
	}
	defer imgRows.Close()

	for imgRows.Next() {
		var (
			path string
			mag  sql.NullFloat64
		)
		if err := imgRows.Scan(&path, &mag); err != nil {
			return fmt.Errorf("failed to scan collection image row: %v", err)
		}
		if !mag.Valid {
			// A NULL magnification would key a level the builder can never
			// address again.
			logging.LogWarning("Skipping %s in collection %s: no stored magnification", path, c.Name)
			continue
		}
		c.AddImage(path, mag.Float64)
	}
	if err := imgRows.Err(); err != nil {
		return err
	}

	edgeRows, err := db.Query(`
		SELECT container_path, contained_path FROM edges
		WHERE collection_id = ? ORDER BY container_path, contained_path
	`, collectionID)
	if err != nil {
		return fmt.Errorf("failed to query edges: %v", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var container, contained string
		if err := edgeRows.Scan(&container, &contained); err != nil {
			return fmt.Errorf("failed to scan edge row: %v", err)
		}
		c.AddEdge(container, contained)
	}
	return edgeRows.Err()
}

// BuildStats contains statistics about the stored session.
type BuildStats struct {
	TotalImages      int
	TotalCollections int
	TotalEdges       int
}

// GetBuildStats retrieves counts about the stored images and hierarchies.
func GetBuildStats(db *sql.DB) (*BuildStats, error) {
	var stats BuildStats

	if err := db.QueryRow("SELECT COUNT(*) FROM images").Scan(&stats.TotalImages); err != nil {
		return nil, fmt.Errorf("failed to count images: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM collections").Scan(&stats.TotalCollections); err != nil {
		return nil, fmt.Errorf("failed to count collections: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM edges").Scan(&stats.TotalEdges); err != nil {
		return nil, fmt.Errorf("failed to count edges: %v", err)
	}

	return &stats, nil
}
