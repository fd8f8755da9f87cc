package services

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDirectoryService_Create(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner", models.UserRoleUser)
	other := f.user(t, "other", models.UserRoleUser)
	pending := f.user(t, "pending", models.UserRolePending)

	t.Run("root and nested paths are materialized", func(t *testing.T) {
		root := f.mkdir(t, owner, nil, "Projects")
		child := f.mkdir(t, owner, root, "Secret")

		assert.Equal(t, "/Projects", root.Path)
		assert.Nil(t, root.ParentID)
		assert.Equal(t, "/Projects/Secret", child.Path)
		require.NotNil(t, child.ParentID)
		assert.Equal(t, root.ID, *child.ParentID)
		assert.Equal(t, owner.UserID, child.OwnerID)
	})

	t.Run("duplicate sibling name conflicts", func(t *testing.T) {
		root := f.mkdir(t, owner, nil, "Dupes")
		f.mkdir(t, owner, root, "Same")

		_, err := f.dirs.Create(f.ctx, owner, &root.ID, "Same", false)
		requireKind(t, err, KindConflict)

		_, err = f.dirs.Create(f.ctx, owner, nil, "Dupes", false)
		requireKind(t, err, KindConflict)
	})

	t.Run("names are case-sensitive and scoped per parent", func(t *testing.T) {
		a := f.mkdir(t, owner, nil, "ScopeA")
		b := f.mkdir(t, owner, nil, "ScopeB")
		f.mkdir(t, owner, a, "Shared")
		f.mkdir(t, owner, b, "Shared")
		f.mkdir(t, owner, a, "shared")
	})

	t.Run("different owners may reuse a root name", func(t *testing.T) {
		f.mkdir(t, owner, nil, "Home")
		f.mkdir(t, other, nil, "Home")
	})

	t.Run("malformed names are rejected", func(t *testing.T) {
		for _, name := range []string{"", "   ", ".", "..", "a/b", "a\\b", strings.Repeat("x", 256)} {
			_, err := f.dirs.Create(f.ctx, owner, nil, name, false)
			requireKind(t, err, KindValidation)
		}
	})

	t.Run("missing parent is not found", func(t *testing.T) {
		missing := uuid.New()
		_, err := f.dirs.Create(f.ctx, owner, &missing, "Orphan", false)
		requireKind(t, err, KindNotFound)
	})

	t.Run("writing under a foreign directory needs write", func(t *testing.T) {
		root := f.mkdir(t, owner, nil, "Guarded")
		_, err := f.dirs.Create(f.ctx, other, &root.ID, "Intruder", false)
		requireForbidden(t, err, models.ActionWrite)

		f.grant(t, owner, root, other, "write")
		dir, err := f.dirs.Create(f.ctx, other, &root.ID, "Invited", false)
		require.NoError(t, err)
		assert.Equal(t, other.UserID, dir.OwnerID)
	})

	t.Run("pending users cannot create roots", func(t *testing.T) {
		_, err := f.dirs.Create(f.ctx, pending, nil, "Mine", false)
		requireForbidden(t, err, models.ActionWrite)
	})
}

func TestDirectoryService_RenameAndMove(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner", models.UserRoleUser)
	reader := f.user(t, "reader", models.UserRoleUser)

	root := f.mkdir(t, owner, nil, "Projects")
	a := f.mkdir(t, owner, root, "A")
	b := f.mkdir(t, owner, a, "B")
	c := f.mkdir(t, owner, b, "C")
	other := f.mkdir(t, owner, nil, "Archive")
	f.grant(t, owner, root, reader, "read")

	path := func(id uuid.UUID) string {
		var d models.Directory
		require.NoError(t, f.db.First(&d, "id = ?", id).Error)
		return d.Path
	}

	t.Run("rename recomputes descendant paths", func(t *testing.T) {
		renamed, err := f.dirs.Rename(f.ctx, owner, a.ID, "Alpha")
		require.NoError(t, err)
		assert.Equal(t, "/Projects/Alpha", renamed.Path)
		assert.Equal(t, "/Projects/Alpha/B", path(b.ID))
		assert.Equal(t, "/Projects/Alpha/B/C", path(c.ID))
	})

	t.Run("rename needs write", func(t *testing.T) {
		_, err := f.dirs.Rename(f.ctx, reader, a.ID, "Nope")
		requireForbidden(t, err, models.ActionWrite)
	})

	t.Run("rename onto a sibling conflicts", func(t *testing.T) {
		f.mkdir(t, owner, root, "Beta")
		_, err := f.dirs.Rename(f.ctx, owner, a.ID, "Beta")
		requireKind(t, err, KindConflict)
		assert.Equal(t, "/Projects/Alpha/B", path(b.ID))
	})

	t.Run("move re-parents the subtree", func(t *testing.T) {
		moved, err := f.dirs.Move(f.ctx, owner, b.ID, &other.ID)
		require.NoError(t, err)
		assert.Equal(t, "/Archive/B", moved.Path)
		assert.Equal(t, "/Archive/B/C", path(c.ID))
	})

	t.Run("move to root", func(t *testing.T) {
		moved, err := f.dirs.Move(f.ctx, owner, b.ID, nil)
		require.NoError(t, err)
		assert.Nil(t, moved.ParentID)
		assert.Equal(t, "/B", moved.Path)
		assert.Equal(t, "/B/C", path(c.ID))
	})

	t.Run("move into itself or a descendant is rejected", func(t *testing.T) {
		_, err := f.dirs.Move(f.ctx, owner, b.ID, &b.ID)
		requireKind(t, err, KindValidation)

		_, err = f.dirs.Move(f.ctx, owner, b.ID, &c.ID)
		requireKind(t, err, KindValidation)
		assert.Equal(t, "/B/C", path(c.ID))
	})

	t.Run("move needs write on the destination", func(t *testing.T) {
		mover := f.user(t, "mover", models.UserRoleUser)
		own := f.mkdir(t, mover, nil, "MoverRoot")

		_, err := f.dirs.Move(f.ctx, mover, own.ID, &root.ID)
		requireForbidden(t, err, models.ActionWrite)

		f.grant(t, owner, root, mover, "read", "write")
		moved, err := f.dirs.Move(f.ctx, mover, own.ID, &root.ID)
		require.NoError(t, err)
		assert.Equal(t, "/Projects/MoverRoot", moved.Path)
	})
}

func TestDirectoryService_SetPublic(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner", models.UserRoleUser)
	writer := f.user(t, "writer", models.UserRoleUser)

	root := f.mkdir(t, owner, nil, "Root")
	f.grant(t, owner, root, writer, "read", "write", "delete")

	_, err := f.dirs.SetPublic(f.ctx, writer, root.ID, true)
	requireForbidden(t, err, models.ActionManage)

	dir, err := f.dirs.SetPublic(f.ctx, owner, root.ID, true)
	require.NoError(t, err)
	assert.True(t, dir.IsPublic)
}

func TestDirectoryService_Delete(t *testing.T) {
	t.Run("cascade removes subtree, grants and files", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		guest := f.user(t, "guest", models.UserRoleUser)

		root := f.mkdir(t, owner, nil, "Root")
		child := f.mkdir(t, owner, root, "Child")
		leaf := f.mkdir(t, owner, child, "Leaf")
		f.grant(t, owner, root, guest, "read")
		f.grant(t, owner, leaf, guest, "read", "write")
		file := f.upload(t, owner, leaf, "note.txt")

		require.NoError(t, f.dirs.Delete(f.ctx, owner, root.ID))

		var dirCount, grantCount, fileCount int64
		f.db.Model(&models.Directory{}).Count(&dirCount)
		f.db.Model(&models.PermissionGrant{}).Count(&grantCount)
		f.db.Model(&models.File{}).Count(&fileCount)
		assert.Zero(t, dirCount)
		assert.Zero(t, grantCount)
		assert.Zero(t, fileCount)
		assert.False(t, f.gateway.Exists(file.StorageKey))

		_, err := f.resolver.Resolve(f.ctx, leaf.ID, guest.UserID)
		requireKind(t, err, KindNotFound)
	})

	t.Run("deleting twice is a no-op", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		root := f.mkdir(t, owner, nil, "Root")
		keep := f.mkdir(t, owner, nil, "Keep")

		require.NoError(t, f.dirs.Delete(f.ctx, owner, root.ID))
		require.NoError(t, f.dirs.Delete(f.ctx, owner, root.ID))

		var remaining []models.Directory
		require.NoError(t, f.db.Find(&remaining).Error)
		require.Len(t, remaining, 1)
		assert.Equal(t, keep.ID, remaining[0].ID)
	})

	t.Run("interrupted cascade is finished by a retry", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		root := f.mkdir(t, owner, nil, "Root")
		child := f.mkdir(t, owner, root, "Child")
		leaf := f.mkdir(t, owner, child, "Leaf")
		f.mkdir(t, owner, root, "Sibling")

		// Simulate a crash after the deepest level was removed.
		_, err := f.dirs.deleteOne(f.ctx, leaf.ID)
		require.NoError(t, err)

		require.NoError(t, f.dirs.Delete(f.ctx, owner, root.ID))
		var count int64
		f.db.Model(&models.Directory{}).Count(&count)
		assert.Zero(t, count)
	})

	t.Run("object store failures do not block the delete", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		root := f.mkdir(t, owner, nil, "Root")
		file := f.upload(t, owner, root, "a.txt")
		f.gateway.FailDeletes = true

		require.NoError(t, f.dirs.Delete(f.ctx, owner, root.ID))
		assert.Contains(t, f.gateway.Deleted(), file.StorageKey)

		var count int64
		f.db.Model(&models.File{}).Count(&count)
		assert.Zero(t, count)
	})

	t.Run("delete needs the delete action", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		writer := f.user(t, "writer", models.UserRoleUser)
		root := f.mkdir(t, owner, nil, "Root")
		f.grant(t, owner, root, writer, "read", "write")

		requireForbidden(t, f.dirs.Delete(f.ctx, writer, root.ID), models.ActionDelete)
	})

	t.Run("reject policy refuses non-empty directories", func(t *testing.T) {
		f := newFixture(t)
		f.dirs.Policy = config.DeletePolicyReject
		owner := f.user(t, "owner", models.UserRoleUser)

		withChild := f.mkdir(t, owner, nil, "WithChild")
		f.mkdir(t, owner, withChild, "Child")
		requireKind(t, f.dirs.Delete(f.ctx, owner, withChild.ID), KindConflict)

		withFile := f.mkdir(t, owner, nil, "WithFile")
		f.upload(t, owner, withFile, "a.txt")
		requireKind(t, f.dirs.Delete(f.ctx, owner, withFile.ID), KindConflict)

		empty := f.mkdir(t, owner, nil, "Empty")
		require.NoError(t, f.dirs.Delete(f.ctx, owner, empty.ID))
	})
}

func TestDirectoryService_ListTree(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner", models.UserRoleUser)
	reader := f.user(t, "reader", models.UserRoleUser)
	stranger := f.user(t, "stranger", models.UserRoleUser)
	admin := f.user(t, "admin", models.UserRoleAdmin)

	projects := f.mkdir(t, owner, nil, "Projects")
	f.mkdir(t, owner, projects, "Zeta")
	f.mkdir(t, owner, projects, "Alpha")
	private := f.mkdir(t, owner, nil, "Private")
	shared := f.mkdir(t, owner, private, "Shared")
	f.mkdir(t, owner, private, "Hidden")

	f.grant(t, owner, projects, reader, "read")
	f.grant(t, owner, shared, reader, "read")

	names := func(nodes []*models.DirectoryNode) []string {
		out := make([]string, len(nodes))
		for i, n := range nodes {
			out[i] = n.Name
		}
		return out
	}

	t.Run("owner sees everything with sorted children", func(t *testing.T) {
		forest, err := f.dirs.ListTree(f.ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, []string{"Private", "Projects"}, names(forest))
		assert.Equal(t, []string{"Hidden", "Shared"}, names(forest[0].Children))
		assert.Equal(t, []string{"Alpha", "Zeta"}, names(forest[1].Children))
	})

	t.Run("unreadable parent promotes a readable child to a root", func(t *testing.T) {
		forest, err := f.dirs.ListTree(f.ctx, reader)
		require.NoError(t, err)
		assert.Equal(t, []string{"Projects", "Shared"}, names(forest))
		assert.Equal(t, []string{"Alpha", "Zeta"}, names(forest[0].Children))
		assert.Empty(t, forest[1].Children)
	})

	t.Run("stranger sees nothing until a directory goes public", func(t *testing.T) {
		forest, err := f.dirs.ListTree(f.ctx, stranger)
		require.NoError(t, err)
		assert.Empty(t, forest)

		_, err = f.dirs.SetPublic(f.ctx, owner, projects.ID, true)
		require.NoError(t, err)
		forest, err = f.dirs.ListTree(f.ctx, stranger)
		require.NoError(t, err)
		assert.Equal(t, []string{"Projects"}, names(forest))
		assert.Len(t, forest[0].Children, 2)
	})

	t.Run("public flag adds read on top of a write-only grant", func(t *testing.T) {
		f.grant(t, owner, projects, reader, "write")
		forest, err := f.dirs.ListTree(f.ctx, reader)
		require.NoError(t, err)
		assert.Equal(t, []string{"Projects", "Shared"}, names(forest))
	})

	t.Run("admins see the whole forest", func(t *testing.T) {
		forest, err := f.dirs.ListTree(f.ctx, admin)
		require.NoError(t, err)
		assert.Len(t, forest, 2)
	})

	t.Run("only owned, public or granted subtrees are loaded", func(t *testing.T) {
		unrelated := f.mkdir(t, admin, nil, "Unrelated")
		f.mkdir(t, admin, unrelated, "Deeper")

		candidates, err := f.dirs.listCandidates(f.ctx, reader, map[uuid.UUID]models.PermissionSet{
			shared.ID: models.NewPermissionSet(models.ActionRead),
		})
		require.NoError(t, err)

		var loaded []string
		for _, d := range candidates {
			loaded = append(loaded, d.Name)
		}
		// Projects went public above, so its subtree is in; Private is not.
		assert.Equal(t, []string{"Alpha", "Projects", "Shared", "Zeta"}, loaded)

		all, err := f.dirs.listCandidates(f.ctx, admin, nil)
		require.NoError(t, err)
		assert.Len(t, all, 8)
	})
}

func TestDirectoryService_ListTreeNearestGrant(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner", models.UserRoleUser)
	reader := f.user(t, "reader", models.UserRoleUser)

	root := f.mkdir(t, owner, nil, "Root")
	open := f.mkdir(t, owner, root, "Open")
	closed := f.mkdir(t, owner, root, "Closed")
	f.mkdir(t, owner, closed, "Inside")
	f.grant(t, owner, root, reader, "read")
	f.grant(t, owner, closed, reader, "write")

	forest, err := f.dirs.ListTree(f.ctx, reader)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, root.ID, forest[0].ID)
	require.Len(t, forest[0].Children, 1)
	assert.Equal(t, open.ID, forest[0].Children[0].ID)
}

// Owner A creates Projects, grants B read, then creates Projects/Secret.
func TestScenario_InheritedReadGrant(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, "a", models.UserRoleUser)
	b := f.user(t, "b", models.UserRoleUser)

	projects := f.mkdir(t, a, nil, "Projects")
	f.grant(t, a, projects, b, "read")
	secret := f.mkdir(t, a, projects, "Secret")

	set, err := f.resolver.Resolve(f.ctx, secret.ID, b.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionSet{models.ActionRead}, set)

	_, err = f.dirs.Create(f.ctx, b, &secret.ID, "Sneaky", false)
	requireForbidden(t, err, models.ActionWrite)
	requireForbidden(t, f.access.CheckDirectory(f.ctx, b, secret.ID, models.ActionWrite), models.ActionWrite)

	for _, action := range models.AllActions {
		assert.NoError(t, f.access.CheckDirectory(f.ctx, a, secret.ID, action))
	}
}

// A makes Projects public and grants nothing to C.
func TestScenario_PublicDirectory(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, "a", models.UserRoleUser)
	c := f.user(t, "c", models.UserRoleUser)

	projects := f.mkdir(t, a, nil, "Projects")
	file := f.upload(t, a, projects, "plan.txt")
	_, err := f.dirs.SetPublic(f.ctx, a, projects.ID, true)
	require.NoError(t, err)

	set, err := f.resolver.Resolve(f.ctx, projects.ID, c.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionSet{models.ActionRead}, set)

	requireForbidden(t, f.access.CheckDirectory(f.ctx, c, projects.ID, models.ActionWrite), models.ActionWrite)

	listed, err := f.files.List(f.ctx, c, projects.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	url, _, err := f.files.RequestDownload(f.ctx, c, file.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	_, _, err = f.files.RequestUpload(f.ctx, c, projects.ID, "mine.txt", "text/plain", 1)
	requireForbidden(t, err, models.ActionWrite)
}

func TestDirectoryService_DeleteRacingInserts(t *testing.T) {
	t.Run("a directory created mid-cascade is swept by a rescan", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		root := f.mkdir(t, owner, nil, "Root")
		f.mkdir(t, owner, root, "Child")

		// Lands under Root right after the cascade collected the subtree.
		inserted := false
		require.NoError(t, f.db.Callback().Delete().Before("gorm:delete").Register("test:late_child", func(tx *gorm.DB) {
			if inserted || tx.Statement.Table != "directories" {
				return
			}
			inserted = true
			late := &models.Directory{
				Name:       "Late",
				ParentID:   &root.ID,
				Path:       models.JoinPath(root.Path, "Late"),
				SiblingKey: models.SiblingKeyFor(&root.ID, owner.UserID),
				OwnerID:    owner.UserID,
			}
			if err := tx.Session(&gorm.Session{NewDB: true}).Create(late).Error; err != nil {
				tx.AddError(err)
			}
		}))

		require.NoError(t, f.dirs.Delete(f.ctx, owner, root.ID))
		require.True(t, inserted)

		var count int64
		require.NoError(t, f.db.Model(&models.Directory{}).Count(&count).Error)
		assert.Zero(t, count, "no directory may outlive its deleted parent")
	})

	t.Run("a parent with children cannot be removed on its own", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		root := f.mkdir(t, owner, nil, "Root")
		f.mkdir(t, owner, root, "Child")
		withFile := f.mkdir(t, owner, nil, "WithFile")
		f.upload(t, owner, withFile, "a.txt")

		_, err := f.dirs.deleteOne(f.ctx, root.ID)
		require.ErrorIs(t, err, gorm.ErrForeignKeyViolated)

		_, err = f.dirs.deleteOne(f.ctx, withFile.ID)
		require.NoError(t, err, "files of the directory go in the same transaction")
	})

	t.Run("create under a parent deleted before the insert is not found", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		doomed := f.mkdir(t, owner, nil, "Doomed")

		armed := true
		require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:drop_parent", func(tx *gorm.DB) {
			if !armed || tx.Statement.Table != "directories" {
				return
			}
			armed = false
			if err := tx.Session(&gorm.Session{NewDB: true}).Delete(&models.Directory{}, "id = ?", doomed.ID).Error; err != nil {
				tx.AddError(err)
			}
		}))

		_, err := f.dirs.Create(f.ctx, owner, &doomed.ID, "Late", false)
		requireKind(t, err, KindNotFound)
	})

	t.Run("upload into a directory deleted before the insert is not found", func(t *testing.T) {
		f := newFixture(t)
		owner := f.user(t, "owner", models.UserRoleUser)
		doomed := f.mkdir(t, owner, nil, "Doomed")

		armed := true
		require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:drop_directory", func(tx *gorm.DB) {
			if !armed || tx.Statement.Table != "files" {
				return
			}
			armed = false
			if err := tx.Session(&gorm.Session{NewDB: true}).Delete(&models.Directory{}, "id = ?", doomed.ID).Error; err != nil {
				tx.AddError(err)
			}
		}))

		_, _, err := f.files.RequestUpload(f.ctx, owner, doomed.ID, "late.txt", "text/plain", 3)
		requireKind(t, err, KindNotFound)

		var count int64
		require.NoError(t, f.db.Model(&models.File{}).Count(&count).Error)
		assert.Zero(t, count)
	})
}

func TestDirectoryService_MoveReportsSubtreeErrors(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner", models.UserRoleUser)
	src := f.mkdir(t, owner, nil, "Src")
	dest := f.mkdir(t, owner, nil, "Dest")

	offline := errors.New("storage offline")
	require.NoError(t, f.db.Callback().Query().Before("gorm:query").Register("test:fail_subtree", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Dest.(*[]uuid.UUID); ok {
			tx.AddError(offline)
		}
	}))

	_, err := f.dirs.Move(f.ctx, owner, src.ID, &dest.ID)
	require.ErrorIs(t, err, offline)
	assert.NotEqual(t, KindValidation, KindOf(err))

	var moved models.Directory
	require.NoError(t, f.db.First(&moved, "id = ?", src.ID).Error)
	assert.Nil(t, moved.ParentID)
}
