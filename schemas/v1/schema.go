package v1

import (
	"reflect"
	"strings"
	"text/template"

	"github.com/go-pg/migrations/v8"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/schemas"
)

const MajorVersion = 1

func init() {
	schemas.RegisterSchema(MajorVersion)
}

// GetBase renders the base schema for the postgresql schema named in cfg.
func GetBase(cfg schemas.Config) (string, error) {
	tmpl, err := template.New("base").Funcs(schemaTemplateFuncMap).Parse(BaseTemplate)
	if err != nil {
		return "", xerrors.Errorf("parse base template: %w", err)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", xerrors.Errorf("execute base template: %w", err)
	}
	return buf.String(), nil
}

func GetPatches(cfg schemas.Config) (*migrations.Collection, error) {
	return patches.Collection(cfg)
}

func Version() schemas.Version {
	return schemas.Version{
		Major: MajorVersion,
		Patch: len(patches.pm),
	}
}

var patches = newPatchList()

type patch struct {
	seq  int
	tmpl *template.Template
}

type patchList struct {
	pm map[int]patch
}

func newPatchList() patchList {
	return patchList{map[int]patch{}}
}

// Register adds a patch to the patch list. This should be called in an init function.
func (pl *patchList) Register(seq int, text string) {
	if seq <= 0 {
		panic(xerrors.Errorf("invalid patch number: %d", seq))
	}
	if _, exists := pl.pm[seq]; exists {
		panic(xerrors.Errorf("duplicate patch registered: %d", seq))
	}

	tmpl, err := template.New("patch").Funcs(schemaTemplateFuncMap).Parse(text)
	if err != nil {
		panic(xerrors.Errorf("parse patch %d template: %w", seq, err))
	}
	pl.pm[seq] = patch{seq: seq, tmpl: tmpl}
}

// Collection renders every registered patch into a go-pg migration collection whose bookkeeping table lives in
// the configured schema.
func (pl *patchList) Collection(cfg schemas.Config) (*migrations.Collection, error) {
	count := len(pl.pm)

	// patch 0 is the base schema
	if _, exists := pl.pm[0]; exists {
		return nil, xerrors.Errorf("found patch 0, which should not exist")
	}

	migs := make([]*migrations.Migration, 0, count)
	for i := 1; i <= count; i++ {
		p, exists := pl.pm[i]
		if !exists {
			return nil, xerrors.Errorf("missing patch %d", i)
		}

		var buf strings.Builder
		if err := p.tmpl.Execute(&buf, cfg); err != nil {
			return nil, xerrors.Errorf("execute patch %d template: %w", p.seq, err)
		}
		sql := buf.String()

		migs = append(migs, &migrations.Migration{
			Version: int64(p.seq),
			UpTx:    true,
			Up: func(db migrations.DB) error {
				_, err := db.Exec(sql)
				return err
			},
		})
	}

	coll := migrations.NewCollection(migs...)
	coll.SetTableName(schemaName(cfg) + ".gopg_migrations")
	return coll, nil
}

func schemaName(cfg schemas.Config) string {
	if cfg.SchemaName == "" {
		return "public"
	}
	return cfg.SchemaName
}

var schemaTemplateFuncMap = template.FuncMap{
	"default": func(def interface{}, value interface{}) interface{} {
		if isEmpty(value) {
			return def
		}
		return value
	},
}

func isEmpty(val interface{}) bool {
	v := reflect.ValueOf(val)
	if !v.IsValid() {
		return true
	}

	switch v.Kind() {
	case reflect.Array, reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Struct:
		return false
	default:
		return v.IsZero()
	}
}
