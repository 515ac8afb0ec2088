// Package users reads the identity system's user table.
package users

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/suPer8Hu/agri-chat/internal/models"
)

// UnknownName is shown for ids that have no user row.
const UnknownName = "Unknown User"

var ErrNotFound = errors.New("users: not found")

type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// FindByEmail matches case-insensitively.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrNotFound
	}
	var u models.User
	err := d.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(email)).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *Directory) FindByID(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	err := d.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DisplayNames resolves every id in one query. Ids without a row map to
// UnknownName.
func (d *Directory) DisplayNames(ctx context.Context, ids []uint64) (map[uint64]string, error) {
	out := make(map[uint64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.User
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, u := range rows {
		out[u.ID] = u.DisplayName()
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = UnknownName
		}
	}
	return out, nil
}
