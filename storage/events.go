package storage

import "time"

func (db *DB) InsertEvent(e *Event) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	res, err := db.Exec(`INSERT INTO events (created_at, type, level, message, data) VALUES (?, ?, ?, ?, ?)`,
		e.CreatedAt, e.Type, e.Level, e.Message, e.Data)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// RecentEvents returns the newest events first
func (db *DB) RecentEvents(limit int) ([]*Event, error) {
	rows, err := db.Query(`SELECT id, created_at, type, level, message, data FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Type, &e.Level, &e.Message, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupOldEvents deletes events older than the cutoff
func (db *DB) CleanupOldEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := db.Exec("DELETE FROM events WHERE created_at <= ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
