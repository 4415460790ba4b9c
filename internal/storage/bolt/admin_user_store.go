package bolt

import (
	"context"
	"sort"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"go.etcd.io/bbolt"
)

// adminUserStore keys admin accounts by username.
type adminUserStore struct {
	db *bbolt.DB
}

func (s *adminUserStore) Get(ctx context.Context, username string) (*storage.AdminUser, error) {
	return getBucketValue[storage.AdminUser](ctx, s.db, bucketAdminUsers, username)
}

func (s *adminUserStore) List(ctx context.Context) ([]storage.AdminUser, error) {
	admins, err := listBucket[storage.AdminUser](ctx, s.db, bucketAdminUsers)
	if err != nil {
		return nil, err
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].Username < admins[j].Username })
	return admins, nil
}

// Upsert keeps the stored creation time and last login when the caller
// leaves them empty.
func (s *adminUserStore) Upsert(ctx context.Context, admin storage.AdminUser) error {
	return updateBucketValue(ctx, s.db, bucketAdminUsers, admin.Username, func(stored *storage.AdminUser) (*storage.AdminUser, error) {
		if stored != nil {
			if admin.CreatedAt.IsZero() {
				admin.CreatedAt = stored.CreatedAt
			}
			if admin.LastLogin == nil {
				admin.LastLogin = stored.LastLogin
			}
		}
		if admin.CreatedAt.IsZero() {
			admin.CreatedAt = time.Now()
		}
		if admin.UpdatedAt.IsZero() {
			admin.UpdatedAt = time.Now()
		}
		return &admin, nil
	})
}

func (s *adminUserStore) Delete(ctx context.Context, username string) error {
	return deleteBucketValue(ctx, s.db, bucketAdminUsers, username)
}

func (s *adminUserStore) UpdateLastLogin(ctx context.Context, username string, at time.Time) error {
	return updateBucketValue(ctx, s.db, bucketAdminUsers, username, func(stored *storage.AdminUser) (*storage.AdminUser, error) {
		if stored == nil {
			return nil, storage.ErrNotFound
		}
		stored.LastLogin = &at
		return stored, nil
	})
}
