// Package queryengine dispatches protocol queries onto spaces, stores,
// engines and the auth manager.
package queryengine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kindreddb/kindred-server/internal/auth"
	"github.com/kindreddb/kindred-server/internal/models"
	"github.com/kindreddb/kindred-server/internal/spaces"
)

// Defaults applied when a query omits k or limit.
const (
	defaultTopK           = 10
	defaultRecommendLimit = 10
	defaultWeight         = 1.0
)

// AuthManagerIface is the slice of auth.AuthManager the engine needs;
// narrowed for tests.
type AuthManagerIface interface {
	GetUser(username string) (models.User, error)
	CreateUser(username, password, role string, perms map[string]string) error
	UpdateUserPassword(username string, password string) error
	DeleteUser(username string) error
}

// StatsFunc supplies the STATUS payload.
type StatsFunc func() map[string]any

// IndexDefaults fill in the index parameters a CREATE_SPACE query leaves
// unset.
type IndexDefaults struct {
	Planes        int
	ScanThreshold int
	Seed          int64
}

type QueryEngine struct {
	spaceManager *spaces.SpaceManager
	authManager  AuthManagerIface
	defaults     IndexDefaults
	stats        StatsFunc
	logger       *zap.Logger
}

func NewQueryEngine(spaceManager *spaces.SpaceManager, authManager AuthManagerIface, defaults IndexDefaults, stats StatsFunc, logger *zap.Logger) *QueryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryEngine{
		spaceManager: spaceManager,
		authManager:  authManager,
		defaults:     defaults,
		stats:        stats,
		logger:       logger,
	}
}

// Execute runs one query and returns its result payload: a plain ack string
// or a JSON-marshalable value.
func (qe *QueryEngine) Execute(query models.Query) (any, error) {
	qe.logger.Debug("query", zap.String("type", query.Type), zap.String("space", query.Space))

	switch query.Type {
	case models.TypeUseSpace:
		if query.Space == "" {
			return nil, errors.New("space name required")
		}
		if _, err := qe.spaceManager.UseSpace(query.Space); err != nil {
			return nil, err
		}
		return "SPACE_CHANGED", nil

	case models.TypeCreateSpace:
		if err := qe.requireAdmin(query.User); err != nil {
			return nil, err
		}
		planes := query.Planes
		if planes == 0 {
			planes = qe.defaults.Planes
		}
		_, err := qe.spaceManager.CreateSpace(spaces.SpaceConfig{
			Name:          query.Space,
			Dimension:     query.Dimension,
			Metric:        query.Metric,
			Planes:        planes,
			ScanThreshold: qe.defaults.ScanThreshold,
			Seed:          qe.defaults.Seed,
		})
		if err != nil {
			return nil, err
		}
		return "SPACE_CREATED", nil

	case models.TypeDeleteSpace:
		if err := qe.requireAdmin(query.User); err != nil {
			return nil, err
		}
		if query.Space == "" {
			return nil, errors.New("space name required")
		}
		if err := qe.spaceManager.DeleteSpace(query.Space); err != nil {
			return nil, err
		}
		return "SPACE_DELETED", nil

	case models.TypeListSpaces:
		return qe.spaceManager.ListSpaces(), nil

	case models.TypeUpsertVector:
		sp, err := qe.space(query.Space)
		if err != nil {
			return nil, err
		}
		if query.ID == "" {
			return nil, errors.New("vector id required")
		}
		if err := sp.Store.Upsert(query.ID, query.Vector, query.Metadata); err != nil {
			return nil, err
		}
		return "VECTOR_UPSERTED", nil

	case models.TypeDeleteVector:
		sp, err := qe.space(query.Space)
		if err != nil {
			return nil, err
		}
		if query.ID == "" {
			return nil, errors.New("vector id required")
		}
		if err := sp.Store.Remove(query.ID); err != nil {
			return nil, err
		}
		return "VECTOR_DELETED", nil

	case models.TypeGetVector:
		sp, err := qe.space(query.Space)
		if err != nil {
			return nil, err
		}
		item, err := sp.Store.Get(query.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":       item.ID,
			"vector":   item.Vector,
			"metadata": item.Metadata,
		}, nil

	case models.TypeSearchTopK:
		sp, err := qe.space(query.Space)
		if err != nil {
			return nil, err
		}
		k := query.K
		if k == 0 {
			k = defaultTopK
		}
		results, err := sp.Store.Search(query.Vector, k, toSet(query.Exclude))
		if err != nil {
			return nil, err
		}
		return results, nil

	case models.TypeRecordInteraction:
		sp, err := qe.space(query.Space)
		if err != nil {
			return nil, err
		}
		weight := query.Weight
		if weight == 0 {
			weight = defaultWeight
		}
		if err := sp.Engine.Record(query.UserID, query.ID, weight); err != nil {
			return nil, err
		}
		return "INTERACTION_RECORDED", nil

	case models.TypeRecommend:
		sp, err := qe.space(query.Space)
		if err != nil {
			return nil, err
		}
		limit := query.Limit
		if limit == 0 {
			limit = defaultRecommendLimit
		}
		results, err := sp.Engine.Recommend(query.UserID, limit)
		if err != nil {
			return nil, err
		}
		return results, nil

	case models.TypeStatus:
		if qe.stats == nil {
			return map[string]any{}, nil
		}
		return qe.stats(), nil

	case models.TypeGetUser:
		if err := qe.requireAdmin(query.User); err != nil {
			return nil, err
		}
		if query.Data == "" {
			return nil, errors.New("username required")
		}
		user, err := qe.authManager.GetUser(query.Data)
		if err != nil {
			return nil, err
		}
		return user, nil

	case models.TypeCreateUser:
		if err := qe.requireAdmin(query.User); err != nil {
			return nil, err
		}
		if query.NewUser == nil {
			return nil, errors.New("new user data missing")
		}
		err := qe.authManager.CreateUser(query.NewUser.Username, query.NewUser.Password, query.NewUser.Role, query.NewUser.Permissions)
		if err != nil {
			return nil, err
		}
		return "USER_CREATED", nil

	case models.TypeUpdateUserPassword:
		if err := qe.requireAdmin(query.User); err != nil {
			return nil, err
		}
		if query.NewUser == nil {
			return nil, errors.New("user data missing")
		}
		if err := qe.authManager.UpdateUserPassword(query.NewUser.Username, query.NewUser.Password); err != nil {
			return nil, err
		}
		return "USER_PASSWORD_UPDATED", nil

	case models.TypeDeleteUser:
		if err := qe.requireAdmin(query.User); err != nil {
			return nil, err
		}
		if query.NewUser == nil {
			return nil, errors.New("user data missing")
		}
		if err := qe.authManager.DeleteUser(query.NewUser.Username); err != nil {
			return nil, err
		}
		return "USER_DELETED", nil
	}

	return nil, fmt.Errorf("unsupported query type: %s", query.Type)
}

func (qe *QueryEngine) space(name string) (*spaces.Space, error) {
	if name == "" {
		return nil, errors.New("no space selected")
	}
	sp, ok := qe.spaceManager.GetSpace(name)
	if !ok {
		return nil, errors.New("space does not exist")
	}
	return sp, nil
}

func (qe *QueryEngine) requireAdmin(username string) error {
	if username == "" {
		return errors.New("unauthenticated")
	}
	user, err := qe.authManager.GetUser(username)
	if err != nil || user.Role != auth.RoleAdmin {
		return errors.New("admin access required")
	}
	return nil
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
