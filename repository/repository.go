package repository

import (
	"encoding/json"
	"fmt"

	"chronos/db"
	"chronos/models"
)

// It abstracts the storage layer from the timer scheduling logic
type TimerRepositoryInterface interface {
	PutTimer(rec *models.TimerRecord) error
	GetTimer(id uint64) (*models.TimerRecord, error)
	DeleteTimer(id uint64) error
	GetAllTimers() ([]*models.TimerRecord, error)
}

var timerPrefix = []byte("timer:")

// TimerRepository implements the TimerRepositoryInterface using LevelDB as the storage backend
type TimerRepository struct {
	db *db.LevelDB
}

// NewTimerRepository creates and returns a new TimerRepository instance
func NewTimerRepository(db *db.LevelDB) *TimerRepository {
	return &TimerRepository{db: db}
}

func timerKey(id uint64) []byte {
	return []byte(fmt.Sprintf("timer:%020d", id))
}

// PutTimer stores a timer record in the LevelDB storage
func (r *TimerRepository) PutTimer(rec *models.TimerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Put(timerKey(rec.ID), data)
}

// GetTimer retrieves a timer record from LevelDB storage by its ID
func (r *TimerRepository) GetTimer(id uint64) (*models.TimerRecord, error) {
	data, err := r.db.Get(timerKey(id))
	if err != nil {
		return nil, err
	}
	var rec models.TimerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteTimer removes a timer record from the LevelDB storage
func (r *TimerRepository) DeleteTimer(id uint64) error {
	return r.db.Delete(timerKey(id))
}

// GetAllTimers retrieves all timer records from the LevelDB storage
func (r *TimerRepository) GetAllTimers() ([]*models.TimerRecord, error) {
	iter := r.db.NewIterator(timerPrefix)
	defer iter.Release()

	var recs []*models.TimerRecord
	for iter.Next() {
		var rec models.TimerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, iter.Error()
}
