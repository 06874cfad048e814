package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

type userRepository struct {
	db    *userTable
	store *DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db.user, store: db}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.table))
	for _, u := range repo.db.table {
		users = append(users, *u)
	}
	return users
}

func (repo *userRepository) CheckEmailUniqueness(_ context.Context, email string, excludedUsers []user.User, _ ...core.DBExecutor) error {
	repo.db.RLock()
	defer repo.db.RUnlock()

	excluded := make(map[string]struct{}, len(excludedUsers))
	for _, u := range excludedUsers {
		excluded[u.ID] = struct{}{}
	}
	for _, usr := range repo.db.table {
		if _, ok := excluded[usr.ID]; ok {
			continue
		}
		if usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User, _ ...core.DBExecutor) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, u := range repo.db.table {
		if u.Email == usr.Email {
			return user.User{}, user.ErrEmailExists
		}
	}
	usr.ID = uuid.New().String()
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter, _ ...core.DBExecutor) (user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	switch {
	case filter.ID != "":
		if usr, ok := repo.db.table[filter.ID]; ok {
			return *usr, nil
		}
	case filter.Email != "":
		for _, usr := range repo.db.table {
			if usr.Email == filter.Email {
				return *usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) GetUsersByID(_ context.Context, ids []string, _ ...core.DBExecutor) ([]user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	users := make([]user.User, 0, len(ids))
	for _, id := range ids {
		if usr, ok := repo.db.table[id]; ok {
			users = append(users, *usr)
		}
	}
	return users, nil
}

func (repo *userRepository) QueryUsers(_ context.Context, filter user.QueryFilter, ordering []core.DBOrdering, _ ...core.DBExecutor) ([]user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	users := repo.query()

	// users with search keyword matching any FullName or Email ?
	if filter.Search != "" {
		search := strings.ToLower(filter.Search)
		var filtered []user.User
		for _, u := range users {
			if strings.Contains(strings.ToLower(u.Email), search) || strings.Contains(strings.ToLower(u.FullName), search) {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	// users with any of the specified roles
	if len(filter.Roles) > 0 {
		var filtered []user.User
		for _, u := range users {
			for _, r := range filter.Roles {
				if string(u.Role) == strings.ToUpper(r) {
					filtered = append(filtered, u)
					break
				}
			}
		}
		users = filtered
	}
	if filter.IsActive != nil {
		var filtered []user.User
		for _, u := range users {
			if u.IsActive == *filter.IsActive {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}

	sortUsers(users, ordering)
	if users == nil {
		users = []user.User{}
	}
	return users, nil
}

// sortUsers orders by the given fields, falling back to -created_at.
func sortUsers(users []user.User, ordering []core.DBOrdering) {
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}}
	}
	sort.SliceStable(users, func(i, j int) bool {
		for _, ord := range ordering {
			var cmp int
			a, b := users[i], users[j]
			switch ord.Field {
			case "full_name":
				cmp = strings.Compare(a.FullName, b.FullName)
			case "email":
				cmp = strings.Compare(a.Email, b.Email)
			case "role":
				cmp = strings.Compare(string(a.Role), string(b.Role))
			case "is_active":
				if a.IsActive != b.IsActive {
					cmp = 1
					if !a.IsActive {
						cmp = -1
					}
				}
			case "created_at":
				if !a.CreatedAt.Equal(b.CreatedAt) {
					cmp = 1
					if a.CreatedAt.Before(b.CreatedAt) {
						cmp = -1
					}
				}
			}
			if cmp == 0 {
				continue
			}
			if ord.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User, _ ...core.DBExecutor) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[usr.ID]; !ok {
		return user.User{}, user.ErrNotFound
	}
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) DeleteUsersByID(_ context.Context, ids []string, _ ...core.DBExecutor) (int64, error) {
	deleted := make(map[string]struct{}, len(ids))

	repo.db.Lock()
	for _, id := range ids {
		if _, ok := repo.db.table[id]; ok {
			delete(repo.db.table, id)
			deleted[id] = struct{}{}
		}
	}
	repo.db.Unlock()

	if len(deleted) == 0 {
		return 0, nil
	}

	// acknowledgements: ON DELETE CASCADE
	acks := repo.store.acknowledgement
	acks.Lock()
	for id, ack := range acks.table {
		if _, ok := deleted[ack.RecipientID]; ok {
			delete(acks.pairs, ackKey{ack.DocumentID, ack.RecipientID})
			delete(acks.table, id)
		}
	}
	acks.Unlock()

	// documents: ON DELETE SET NULL
	docs := repo.store.document
	docs.Lock()
	for _, doc := range docs.table {
		if _, ok := deleted[doc.CreatedByID]; ok {
			doc.CreatedByID = ""
		}
	}
	docs.Unlock()

	return int64(len(deleted)), nil
}
