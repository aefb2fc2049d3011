package migrate

import (
	"context"
	"strings"

	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// importUsers builds the source→target author map by email. When
// users.migrate is on and a SCIM token is configured, missing users
// are provisioned first and then re-resolved by email.
func (e *Engine) importUsers(ctx context.Context) error {
	e.msg("[Users] Loading authors from Qase")
	var authors []qase.Author
	err := e.qs(ctx, func() error {
		var err error
		authors, err = e.Target.GetAuthors(ctx)
		return err
	})
	if err != nil {
		return err
	}

	byEmail := make(map[string]int64, len(authors))
	for _, a := range authors {
		if a.Email != "" {
			byEmail[strings.ToLower(a.Email)] = a.UserID()
		}
	}

	e.msg("[Users] Loading users from TestRail")
	var users []testrail.User
	err = e.tr(ctx, func() error {
		var err error
		users, err = e.Source.GetUsers(ctx)
		return err
	})
	if err != nil {
		return err
	}
	e.Stats.AddSource("", stats.KindUsers, len(users))

	provision := e.Config.Users.Migrate && e.Target.SCIMEnabled()
	mapped := 0
	for _, u := range users {
		email := strings.ToLower(u.Email)
		if email == "" {
			e.warn("[Users] User %d has no email, default author will be used", u.ID)
			continue
		}
		if id, ok := byEmail[email]; ok {
			e.Store.Users[u.ID] = id
			mapped++
			e.Stats.AddTarget("", stats.KindUsers, 1)
			continue
		}
		if !provision {
			e.warn("[Users] No match for %s, default author will be used", u.Email)
			continue
		}
		id, ok := e.provisionUser(ctx, u)
		if !ok {
			continue
		}
		byEmail[email] = id
		e.Store.Users[u.ID] = id
		mapped++
		e.Stats.AddTarget("", stats.KindUsers, 1)
	}

	e.msg("[Users] Mapped %d of %d users", mapped, len(users))
	return nil
}

// provisionUser creates the user over SCIM and resolves the resulting
// author id by email. SCIM ids live in their own namespace, so the
// author lookup is what yields the id used on payloads.
func (e *Engine) provisionUser(ctx context.Context, u testrail.User) (int64, bool) {
	given, family := splitName(u.Name)
	err := e.qs(ctx, func() error {
		_, err := e.Target.CreateSCIMUser(ctx, u.Email, given, family, u.IsActive)
		return err
	})
	if err != nil {
		e.warn("[Users] Failed to create %s over SCIM: %v", u.Email, err)
		return 0, false
	}
	e.msg("[Users] Created user %s over SCIM", u.Email)

	var author *qase.Author
	err = e.qs(ctx, func() error {
		var err error
		author, err = e.Target.GetAuthor(ctx, u.Email)
		return err
	})
	if err != nil || author == nil {
		e.warn("[Users] Created %s but could not resolve the author id, default author will be used", u.Email)
		return 0, false
	}
	return author.UserID(), true
}

// splitName breaks a display name into SCIM given/family parts at the
// first space.
func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	given, family, found := strings.Cut(name, " ")
	if !found {
		return name, ""
	}
	return given, strings.TrimSpace(family)
}
