package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// PostgresStore is the gorm-backed Action Store, grounded on tenant's
// PostgresStore and scheduler's PostgresStore for the AutoMigrate +
// errs.NewDb/errs.NewNotFound wiring pattern shared across the codebase.
type PostgresStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewPostgresStore(db *gorm.DB, c clock.Clock) (*PostgresStore, error) {
	if c == nil {
		c = clock.System{}
	}
	if err := db.AutoMigrate(&Action{}, &ActionToken{}); err != nil {
		return nil, errs.NewDb(err)
	}
	return &PostgresStore{db: db, clock: c}, nil
}

func (s *PostgresStore) CreateAction(ctx context.Context, tnID int64, opts CreateOpts) (int64, error) {
	a := &Action{
		TnID:        tnID,
		Typ:         opts.Typ,
		SubTyp:      opts.SubTyp,
		IssuerTag:   opts.IssuerTag,
		AudienceTag: opts.AudienceTag,
		ParentID:    opts.ParentID,
		RootID:      opts.RootID,
		Subject:     opts.Subject,
		Content:     opts.Content,
		Visibility:  opts.Visibility,
		Flags:       opts.Flags,
		Key:         opts.Key,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   s.clock.Now(),
		Status:      StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return 0, errs.NewDb(err)
	}
	return a.AID, nil
}

// FinalizeAction implements §4.5's finalize_action, including the
// key-collision supersede rule: when a new action shares a key with an
// existing non-Deleted action of a different action_id, the old row is
// marked Deleted and, if it carried reactable content, the parent's
// counters are decremented.
func (s *PostgresStore) FinalizeAction(ctx context.Context, tnID, aID int64, actionID string, opts FinalizeOpts) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a Action
		if err := tx.First(&a, "tn_id = ? AND a_id = ?", tnID, aID).Error; err != nil {
			return errs.NewDb(err)
		}

		key := opts.Key
		if key == "" {
			key = a.Key
		}
		if key != "" {
			var prior Action
			err := tx.Where("tn_id = ? AND key = ? AND a_id != ? AND status != ?", tnID, key, aID, StatusDeleted).
				First(&prior).Error
			switch {
			case err == nil:
				if err := supersede(tx, &prior); err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				// no prior holder of this key, nothing to supersede
			default:
				return errs.NewDb(err)
			}
		}

		status := opts.Status
		if status == 0 && a.Status == StatusPending {
			status = StatusActive
		}

		updates := map[string]any{
			"action_id": actionID,
			"status":    status,
		}
		if opts.Attachments != nil {
			updates["attachments"] = StringSlice(opts.Attachments)
		}
		if opts.Subject != nil {
			updates["subject"] = opts.Subject
		}
		if opts.AudienceTag != "" {
			updates["audience_tag"] = opts.AudienceTag
		}
		if key != "" {
			updates["key"] = key
		}
		if err := tx.Model(&Action{}).Where("tn_id = ? AND a_id = ?", tnID, aID).Updates(updates).Error; err != nil {
			return errs.NewDb(err)
		}
		return nil
	})
}

// supersede marks prior as Deleted and, if it carried content that counted
// against its parent (e.g. a REACT), decrements the parent's counter.
func supersede(tx *gorm.DB, prior *Action) error {
	if err := tx.Model(&Action{}).
		Where("tn_id = ? AND a_id = ?", prior.TnID, prior.AID).
		Update("status", StatusDeleted).Error; err != nil {
		return errs.NewDb(err)
	}
	if prior.ParentID == nil || len(prior.Content) == 0 {
		return nil
	}
	switch prior.Typ {
	case "REACT":
		if err := tx.Model(&Action{}).
			Where("tn_id = ? AND a_id = ?", prior.TnID, *prior.ParentID).
			Update("reactions", gorm.Expr("reactions - 1")).Error; err != nil {
			return errs.NewDb(err)
		}
	}
	return nil
}

func (s *PostgresStore) StoreActionToken(ctx context.Context, tnID int64, actionID string, token []byte, status TokenStatus) error {
	row := ActionToken{TnID: tnID, ActionID: actionID, Token: token, Status: status}
	err := s.db.WithContext(ctx).
		Where(ActionToken{TnID: tnID, ActionID: actionID}).
		Assign(row).
		FirstOrCreate(&row).Error
	if err != nil {
		return errs.NewDb(err)
	}
	return nil
}

func (s *PostgresStore) GetActionToken(ctx context.Context, tnID int64, actionID string) (*ActionToken, error) {
	var t ActionToken
	err := s.db.WithContext(ctx).First(&t, "tn_id = ? AND action_id = ?", tnID, actionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFound("action token not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &t, nil
}

func (s *PostgresStore) GetAction(ctx context.Context, tnID, aID int64) (*Action, error) {
	var a Action
	err := s.db.WithContext(ctx).First(&a, "tn_id = ? AND a_id = ?", tnID, aID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFound("action not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &a, nil
}

func (s *PostgresStore) GetActionByActionID(ctx context.Context, tnID int64, actionID string) (*Action, error) {
	var a Action
	err := s.db.WithContext(ctx).First(&a, "tn_id = ? AND action_id = ?", tnID, actionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFound("action not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &a, nil
}

func (s *PostgresStore) GetActionByKey(ctx context.Context, tnID int64, key string) (*Action, error) {
	var a Action
	err := s.db.WithContext(ctx).
		First(&a, "tn_id = ? AND key = ? AND status != ?", tnID, key, StatusDeleted).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NewNotFound("action not found")
	}
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return &a, nil
}

func (s *PostgresStore) ListActions(ctx context.Context, tnID int64, f ListFilter) ([]*Action, error) {
	q := s.db.WithContext(ctx).Where("tn_id = ?", tnID)

	if f.ActionID != "" {
		q = q.Where("action_id = ?", f.ActionID)
	}
	if len(f.Typ) > 0 {
		q = q.Where("typ IN ?", f.Typ)
	}
	if f.SubTyp != "" {
		q = q.Where("sub_typ = ?", f.SubTyp)
	}
	if f.Issuer != "" {
		q = q.Where("issuer_tag = ?", f.Issuer)
	}
	if f.Audience != "" {
		q = q.Where("audience_tag = ?", f.Audience)
	}
	if f.Involved != "" {
		q = q.Where("issuer_tag = ? OR audience_tag = ?", f.Involved, f.Involved)
	}
	if f.ParentID != nil {
		q = q.Where("parent_id = ?", *f.ParentID)
	}
	if f.RootID != nil {
		q = q.Where("root_id = ?", *f.RootID)
	}
	if f.Subject != nil {
		q = q.Where("subject = ?", *f.Subject)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at > ?", *f.CreatedAfter)
	}
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	} else {
		q = q.Where("status != ?", StatusDeleted)
	}

	if f.SortDesc {
		q = q.Order("created_at DESC, a_id DESC")
	} else {
		q = q.Order("created_at ASC, a_id ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var actions []*Action
	if err := q.Find(&actions).Error; err != nil {
		return nil, errs.NewDb(err)
	}
	return actions, nil
}

func (s *PostgresStore) UpdateActionData(ctx context.Context, tnID, aID int64, opts UpdateOpts) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{}
		if opts.Status != nil {
			updates["status"] = *opts.Status
		}
		if opts.Subject != nil {
			updates["subject"] = *opts.Subject
		}
		if opts.CommentsRead != nil {
			updates["comments_read"] = *opts.CommentsRead
		}
		if len(updates) > 0 {
			if err := tx.Model(&Action{}).Where("tn_id = ? AND a_id = ?", tnID, aID).Updates(updates).Error; err != nil {
				return errs.NewDb(err)
			}
		}
		if opts.Reactions != nil {
			if err := tx.Model(&Action{}).Where("tn_id = ? AND a_id = ?", tnID, aID).
				Update("reactions", gorm.Expr("reactions + ?", *opts.Reactions)).Error; err != nil {
				return errs.NewDb(err)
			}
		}
		if opts.Comments != nil {
			if err := tx.Model(&Action{}).Where("tn_id = ? AND a_id = ?", tnID, aID).
				Update("comments", gorm.Expr("comments + ?", *opts.Comments)).Error; err != nil {
				return errs.NewDb(err)
			}
		}
		return nil
	})
}

// CreateInboundAction implements §4.5: stores a received token with status
// Waiting (if an ack token was supplied, meaning the sender expects
// acknowledgement) or Received.
func (s *PostgresStore) CreateInboundAction(ctx context.Context, tnID int64, actionID string, token, ackToken []byte) error {
	status := TokenReceived
	if len(ackToken) > 0 {
		status = TokenWaitingAPRV
	}
	row := ActionToken{TnID: tnID, ActionID: actionID, Token: token, AckToken: ackToken, Status: status}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errs.NewDb(err)
	}
	return nil
}

// ListWaitingTokens implements §4.9 step 5's release query.
func (s *PostgresStore) ListWaitingTokens(ctx context.Context, tnID int64, ack []byte) ([]*ActionToken, error) {
	var toks []*ActionToken
	err := s.db.WithContext(ctx).
		Where("tn_id = ? AND status = ? AND ack_token = ?", tnID, TokenWaitingAPRV, ack).
		Find(&toks).Error
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return toks, nil
}

func (s *PostgresStore) SetTokenStatus(ctx context.Context, tnID int64, actionID string, status TokenStatus) error {
	err := s.db.WithContext(ctx).Model(&ActionToken{}).
		Where("tn_id = ? AND action_id = ?", tnID, actionID).
		Update("status", status).Error
	if err != nil {
		return errs.NewDb(err)
	}
	return nil
}
