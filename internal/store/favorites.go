package store

import (
	"context"
)

// Favoriter is one user following a package, joined with their effective
// notification preferences and chat integration.
type Favoriter struct {
	UserID      string
	Preferences NotificationPreferences
	Chat        *ChatIntegration // nil when no integration is connected
}

// FavoritersWithPreferences loads every user who favorites the package, left
// joining preferences and chat integrations. Users without a preference row
// get DefaultPreferences.
func (s *Store) FavoritersWithPreferences(ctx context.Context, packageName string) ([]Favoriter, error) {
	var favorites []Favorite
	if err := s.db.WithContext(ctx).
		Where("package_name = ?", packageName).
		Find(&favorites).Error; err != nil {
		return nil, err
	}
	if len(favorites) == 0 {
		return nil, nil
	}

	userIDs := make([]string, len(favorites))
	for i, f := range favorites {
		userIDs[i] = f.UserID
	}

	var prefRows []NotificationPreferences
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&prefRows).Error; err != nil {
		return nil, err
	}
	prefs := make(map[string]NotificationPreferences, len(prefRows))
	for _, p := range prefRows {
		prefs[p.UserID] = p
	}

	var chatRows []ChatIntegration
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&chatRows).Error; err != nil {
		return nil, err
	}
	chats := make(map[string]ChatIntegration, len(chatRows))
	for _, c := range chatRows {
		chats[c.UserID] = c
	}

	out := make([]Favoriter, 0, len(favorites))
	for _, f := range favorites {
		fav := Favoriter{UserID: f.UserID}
		if p, ok := prefs[f.UserID]; ok {
			fav.Preferences = p
		} else {
			fav.Preferences = DefaultPreferences(f.UserID)
		}
		if c, ok := chats[f.UserID]; ok {
			chat := c
			fav.Chat = &chat
		}
		out = append(out, fav)
	}
	return out, nil
}

// AddFavorite records that a user follows a package.
func (s *Store) AddFavorite(ctx context.Context, userID, packageName string) error {
	return s.db.WithContext(ctx).
		FirstOrCreate(&Favorite{}, Favorite{UserID: userID, PackageName: packageName}).Error
}

// SetPreferences upserts a user's notification preferences.
func (s *Store) SetPreferences(ctx context.Context, prefs NotificationPreferences) error {
	return s.db.WithContext(ctx).Save(&prefs).Error
}

// SetChatIntegration upserts a user's chat webhook.
func (s *Store) SetChatIntegration(ctx context.Context, integ ChatIntegration) error {
	return s.db.WithContext(ctx).Save(&integ).Error
}

// DisableChatIntegration turns off a webhook that has gone permanently bad.
func (s *Store) DisableChatIntegration(ctx context.Context, userID, reason string) error {
	return s.db.WithContext(ctx).
		Model(&ChatIntegration{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"enabled": false, "disabled_reason": reason}).Error
}
