package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subflowhq/subflow/app/models"
)

// indexerStateRepository implements the IndexerStateRepository interface
type indexerStateRepository struct {
	db *gorm.DB
}

// NewIndexerStateRepository creates a new checkpoint repository instance
func NewIndexerStateRepository(db *gorm.DB) IndexerStateRepository {
	return &indexerStateRepository{db: db}
}

func (r *indexerStateRepository) Get(chainID uint64) (*models.IndexerState, error) {
	var state models.IndexerState
	if err := r.db.Where("chain_id = ?", chainID).First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *indexerStateRepository) Initialize(chainID uint64, block uint64) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		DoNothing: true,
	}).Create(&models.IndexerState{
		ChainID:          chainID,
		LastIndexedBlock: block,
	}).Error
}

func (r *indexerStateRepository) SetLastIndexedBlock(chainID uint64, block uint64) error {
	// The predicate keeps the checkpoint monotonic even if two indexer
	// processes ever race on the same chain.
	return r.db.Model(&models.IndexerState{}).
		Where("chain_id = ? AND last_indexed_block < ?", chainID, block).
		Update("last_indexed_block", block).Error
}
