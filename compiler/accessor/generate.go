package accessor

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dave/jennifer/jen"
)

const unisonPkg = "github.com/syssam/unison"

// Generator emits one Go file per manifest type plus a runtime support
// file, using Jennifer so imports are tracked automatically.
type Generator struct {
	manifest *Manifest
	outDir   string
	workers  int
}

// NewGenerator creates a generator writing into outDir.
func NewGenerator(m *Manifest, outDir string) *Generator {
	return &Generator{
		manifest: m,
		outDir:   outDir,
		workers:  runtime.GOMAXPROCS(0),
	}
}

// WithWorkers sets the number of parallel file writers.
func (g *Generator) WithWorkers(n int) *Generator {
	if n > 0 {
		g.workers = n
	}
	return g
}

// Generate renders and writes all files.
func (g *Generator) Generate(ctx context.Context) error {
	files, err := g.Render()
	if err != nil {
		return err
	}
	return writeFiles(ctx, g.outDir, files, g.workers)
}

// Render produces the generated sources keyed by file name, without
// touching the filesystem.
func (g *Generator) Render() (map[string][]byte, error) {
	files := make(map[string][]byte, len(g.manifest.Types)+1)
	for _, t := range g.manifest.Types {
		f, err := g.typeFile(t)
		if err != nil {
			return nil, err
		}
		src, err := renderFile(f)
		if err != nil {
			return nil, fmt.Errorf("accessor: render %s: %w", t.Name, err)
		}
		files[snake(t.Name)+".go"] = src
	}
	src, err := renderFile(g.runtimeFile())
	if err != nil {
		return nil, fmt.Errorf("accessor: render runtime: %w", err)
	}
	files["runtime.go"] = src
	return files, nil
}

func (g *Generator) newFile() *jen.File {
	f := jen.NewFilePathName(g.manifest.Module, g.manifest.Package)
	f.HeaderComment("Code generated by accessor. DO NOT EDIT.")
	return f
}

// typeFile emits the struct, the unison.Entity implementation and the
// typed accessors for one manifest type.
func (g *Generator) typeFile(t *TypeSpec) (*jen.File, error) {
	f := g.newFile()
	name := pascal(snake(t.Name))
	rcv := receiver(name)

	fields := []jen.Code{jen.Qual(unisonPkg, "Tracker")}
	for _, a := range t.Attrs {
		fields = append(fields, jen.Id(pascal(a.Name)).Add(goType(a.Type)))
	}
	for _, r := range t.Rels {
		target := pascal(snake(r.To))
		if r.Kind == "m2o" {
			fields = append(fields, jen.Id(pascal(r.Name)).Op("*").Id(target))
		} else {
			fields = append(fields, jen.Id(pascal(r.Name)).Index().Op("*").Id(target))
		}
	}
	f.Commentf("%s is the generated entity for the %q table.", name, t.Table)
	f.Type().Id(name).Struct(fields...)
	f.Line()

	f.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("TypeName").Params().String().
		Block(jen.Return(jen.Lit(t.Name)))
	f.Line()

	f.Add(g.getAttr(t, name, rcv))
	f.Line()
	f.Add(g.setAttr(t, name, rcv))
	f.Line()
	g.typedAccessors(f, t, name, rcv)
	return f, nil
}

// getAttr emits the GetAttr dispatch.
func (g *Generator) getAttr(t *TypeSpec, name, rcv string) jen.Code {
	var cases []jen.Code
	for _, a := range t.Attrs {
		cases = append(cases, jen.Case(jen.Lit(a.Name)).Block(
			jen.Return(jen.Id(rcv).Dot(pascal(a.Name)), jen.True()),
		))
	}
	for _, r := range t.Rels {
		field := pascal(r.Name)
		if r.Kind == "m2o" {
			cases = append(cases, jen.Case(jen.Lit(r.Name)).Block(
				jen.If(jen.Id(rcv).Dot(field).Op("==").Nil()).Block(
					jen.Return(jen.Nil(), jen.True()),
				),
				jen.Return(jen.Id(rcv).Dot(field), jen.True()),
			))
		} else {
			cases = append(cases, jen.Case(jen.Lit(r.Name)).Block(
				jen.Return(jen.Id(rcv).Dot(field), jen.True()),
			))
		}
	}
	return jen.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("GetAttr").
		Params(jen.Id("name").String()).Params(jen.Any(), jen.Bool()).Block(
		jen.Switch(jen.Id("name")).Block(cases...),
		jen.Return(jen.Nil(), jen.False()),
	)
}

// setAttr emits the SetAttr dispatch with value coercion. Relationship
// attributes accept both concrete values and the interface forms the
// session hands back during merge and load.
func (g *Generator) setAttr(t *TypeSpec, name, rcv string) jen.Code {
	var cases []jen.Code
	for _, a := range t.Attrs {
		field := pascal(a.Name)
		errCtx := t.Name + "." + a.Name + ": %w"
		cases = append(cases, jen.Case(jen.Lit(a.Name)).Block(
			jen.List(jen.Id("v"), jen.Err()).Op(":=").Id(coerceFunc(a.Type)).Call(jen.Id("value")),
			jen.If(jen.Err().Op("!=").Nil()).Block(
				jen.Return(jen.Qual("fmt", "Errorf").Call(jen.Lit(errCtx), jen.Err())),
			),
			jen.Id(rcv).Dot(field).Op("=").Id("v"),
		))
	}
	for _, r := range t.Rels {
		field := pascal(r.Name)
		target := pascal(snake(r.To))
		errStr := t.Name + "." + r.Name + ": unexpected type %T"
		if r.Kind == "m2o" {
			cases = append(cases, jen.Case(jen.Lit(r.Name)).Block(
				jen.Switch(jen.Id("rv").Op(":=").Id("value").Assert(jen.Type())).Block(
					jen.Case(jen.Nil()).Block(jen.Id(rcv).Dot(field).Op("=").Nil()),
					jen.Case(jen.Op("*").Id(target)).Block(jen.Id(rcv).Dot(field).Op("=").Id("rv")),
					jen.Default().Block(
						jen.Return(jen.Qual("fmt", "Errorf").Call(jen.Lit(errStr), jen.Id("value"))),
					),
				),
			))
		} else {
			cases = append(cases, jen.Case(jen.Lit(r.Name)).Block(
				jen.Switch(jen.Id("rv").Op(":=").Id("value").Assert(jen.Type())).Block(
					jen.Case(jen.Nil()).Block(jen.Id(rcv).Dot(field).Op("=").Nil()),
					jen.Case(jen.Index().Op("*").Id(target)).Block(jen.Id(rcv).Dot(field).Op("=").Id("rv")),
					jen.Case(jen.Index().Qual(unisonPkg, "Entity")).Block(
						jen.Id("out").Op(":=").Make(jen.Index().Op("*").Id(target), jen.Lit(0), jen.Len(jen.Id("rv"))),
						jen.For(jen.List(jen.Id("_"), jen.Id("e")).Op(":=").Range().Id("rv")).Block(
							jen.List(jen.Id("c"), jen.Id("ok")).Op(":=").Id("e").Assert(jen.Op("*").Id(target)),
							jen.If(jen.Op("!").Id("ok")).Block(
								jen.Return(jen.Qual("fmt", "Errorf").Call(jen.Lit(errStr), jen.Id("e"))),
							),
							jen.Id("out").Op("=").Append(jen.Id("out"), jen.Id("c")),
						),
						jen.Id(rcv).Dot(field).Op("=").Id("out"),
					),
					jen.Default().Block(
						jen.Return(jen.Qual("fmt", "Errorf").Call(jen.Lit(errStr), jen.Id("value"))),
					),
				),
			))
		}
	}
	cases = append(cases, jen.Default().Block(
		jen.Return(jen.Qual("fmt", "Errorf").Call(
			jen.Lit(t.Name+": unknown attribute %q"), jen.Id("name"),
		)),
	))
	return jen.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("SetAttr").
		Params(jen.Id("name").String(), jen.Id("value").Any()).Error().Block(
		jen.Switch(jen.Id("name")).Block(cases...),
		jen.Return(jen.Nil()),
	)
}

// typedAccessors emits the tracked setters and collection helpers. Every
// mutation reports the attribute name through Tracker.Touch so the owning
// session records the change.
func (g *Generator) typedAccessors(f *jen.File, t *TypeSpec, name, rcv string) {
	for _, a := range t.Attrs {
		if a.ID {
			continue
		}
		field := pascal(a.Name)
		f.Commentf("Set%s assigns the attribute and records the modification.", field)
		f.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("Set" + field).
			Params(jen.Id("v").Add(goType(a.Type))).Block(
			jen.Id(rcv).Dot(field).Op("=").Id("v"),
			jen.Id(rcv).Dot("Touch").Call(jen.Lit(a.Name)),
		)
		f.Line()
	}
	for _, r := range t.Rels {
		field := pascal(r.Name)
		target := pascal(snake(r.To))
		if r.Kind == "m2o" {
			f.Commentf("Set%s assigns the reference and records the modification.", field)
			f.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("Set" + field).
				Params(jen.Id("v").Op("*").Id(target)).Block(
				jen.Id(rcv).Dot(field).Op("=").Id("v"),
				jen.Id(rcv).Dot("Touch").Call(jen.Lit(r.Name)),
			)
			f.Line()
			continue
		}
		elem := pascal(singular(snake(r.Name)))
		f.Commentf("Add%s appends to the collection and records the modification.", elem)
		f.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("Add" + elem).
			Params(jen.Id("v").Op("*").Id(target)).Block(
			jen.Id(rcv).Dot(field).Op("=").Append(jen.Id(rcv).Dot(field), jen.Id("v")),
			jen.Id(rcv).Dot("Touch").Call(jen.Lit(r.Name)),
		)
		f.Line()
		f.Commentf("Remove%s removes from the collection and records the modification.", elem)
		f.Func().Params(jen.Id(rcv).Op("*").Id(name)).Id("Remove" + elem).
			Params(jen.Id("v").Op("*").Id(target)).Block(
			jen.For(jen.List(jen.Id("i"), jen.Id("e")).Op(":=").Range().Id(rcv).Dot(field)).Block(
				jen.If(jen.Id("e").Op("==").Id("v")).Block(
					jen.Id(rcv).Dot(field).Op("=").Append(
						jen.Id(rcv).Dot(field).Index(jen.Empty(), jen.Id("i")),
						jen.Id(rcv).Dot(field).Index(jen.Id("i").Op("+").Lit(1), jen.Empty()).Op("..."),
					),
					jen.Break(),
				),
			),
			jen.Id(rcv).Dot("Touch").Call(jen.Lit(r.Name)),
		)
		f.Line()
	}
}

// runtimeFile emits the type factory and the value coercion helpers
// shared by the generated SetAttr implementations.
func (g *Generator) runtimeFile() *jen.File {
	f := g.newFile()

	var cases []jen.Code
	for _, t := range g.manifest.Types {
		cases = append(cases, jen.Case(jen.Lit(t.Name)).Block(
			jen.Return(jen.Op("&").Id(pascal(snake(t.Name))).Values(), jen.Nil()),
		))
	}
	f.Comment("NewEntity constructs a zero instance of the named type. It serves")
	f.Comment("as the factory for unison.WithFactory and DecodeDetached.")
	f.Func().Id("NewEntity").Params(jen.Id("typeName").String()).
		Params(jen.Qual(unisonPkg, "Entity"), jen.Error()).Block(
		jen.Switch(jen.Id("typeName")).Block(cases...),
		jen.Return(jen.Nil(), jen.Qual("fmt", "Errorf").Call(jen.Lit("unknown type %q"), jen.Id("typeName"))),
	)
	f.Line()

	g.coerceHelpers(f)
	return f
}

func (g *Generator) coerceHelpers(f *jen.File) {
	mismatch := func(want string) jen.Code {
		return jen.Return(jen.Id("z"), jen.Qual("fmt", "Errorf").Call(
			jen.Lit("cannot assign %T to "+want), jen.Id("v"),
		))
	}
	f.Func().Id("coerceInt64").Params(jen.Id("v").Any()).Params(jen.Int64(), jen.Error()).Block(
		jen.Var().Id("z").Int64(),
		jen.Switch(jen.Id("n").Op(":=").Id("v").Assert(jen.Type())).Block(
			jen.Case(jen.Int64()).Block(jen.Return(jen.Id("n"), jen.Nil())),
			jen.Case(jen.Int()).Block(jen.Return(jen.Int64().Call(jen.Id("n")), jen.Nil())),
			jen.Case(jen.Int32()).Block(jen.Return(jen.Int64().Call(jen.Id("n")), jen.Nil())),
			jen.Case(jen.Float64()).Block(jen.Return(jen.Int64().Call(jen.Id("n")), jen.Nil())),
		),
		mismatch("int64"),
	)
	f.Line()
	f.Func().Id("coerceString").Params(jen.Id("v").Any()).Params(jen.String(), jen.Error()).Block(
		jen.Var().Id("z").String(),
		jen.Switch(jen.Id("n").Op(":=").Id("v").Assert(jen.Type())).Block(
			jen.Case(jen.String()).Block(jen.Return(jen.Id("n"), jen.Nil())),
			jen.Case(jen.Index().Byte()).Block(jen.Return(jen.String().Call(jen.Id("n")), jen.Nil())),
		),
		mismatch("string"),
	)
	f.Line()
	f.Func().Id("coerceBool").Params(jen.Id("v").Any()).Params(jen.Bool(), jen.Error()).Block(
		jen.Var().Id("z").Bool(),
		jen.Switch(jen.Id("n").Op(":=").Id("v").Assert(jen.Type())).Block(
			jen.Case(jen.Bool()).Block(jen.Return(jen.Id("n"), jen.Nil())),
			jen.Case(jen.Int64()).Block(jen.Return(jen.Id("n").Op("!=").Lit(0), jen.Nil())),
		),
		mismatch("bool"),
	)
	f.Line()
	f.Func().Id("coerceFloat64").Params(jen.Id("v").Any()).Params(jen.Float64(), jen.Error()).Block(
		jen.Var().Id("z").Float64(),
		jen.Switch(jen.Id("n").Op(":=").Id("v").Assert(jen.Type())).Block(
			jen.Case(jen.Float64()).Block(jen.Return(jen.Id("n"), jen.Nil())),
			jen.Case(jen.Int64()).Block(jen.Return(jen.Float64().Call(jen.Id("n")), jen.Nil())),
		),
		mismatch("float64"),
	)
	f.Line()
	f.Func().Id("coerceTime").Params(jen.Id("v").Any()).Params(jen.Qual("time", "Time"), jen.Error()).Block(
		jen.Var().Id("z").Qual("time", "Time"),
		jen.Switch(jen.Id("n").Op(":=").Id("v").Assert(jen.Type())).Block(
			jen.Case(jen.Qual("time", "Time")).Block(jen.Return(jen.Id("n"), jen.Nil())),
			jen.Case(jen.String()).Block(
				jen.Return(jen.Qual("time", "Parse").Call(jen.Qual("time", "RFC3339Nano"), jen.Id("n"))),
			),
			jen.Case(jen.Index().Byte()).Block(
				jen.Return(jen.Qual("time", "Parse").Call(jen.Qual("time", "RFC3339Nano"), jen.String().Call(jen.Id("n")))),
			),
		),
		mismatch("time.Time"),
	)
	f.Line()
	f.Func().Id("coerceBytes").Params(jen.Id("v").Any()).Params(jen.Index().Byte(), jen.Error()).Block(
		jen.Var().Id("z").Index().Byte(),
		jen.Switch(jen.Id("n").Op(":=").Id("v").Assert(jen.Type())).Block(
			jen.Case(jen.Index().Byte()).Block(jen.Return(jen.Id("n"), jen.Nil())),
			jen.Case(jen.String()).Block(jen.Return(jen.Index().Byte().Call(jen.Id("n")), jen.Nil())),
		),
		mismatch("[]byte"),
	)
}

// goType maps a manifest attribute type to its Go representation.
func goType(s string) jen.Code {
	switch s {
	case "int64":
		return jen.Int64()
	case "string":
		return jen.String()
	case "bool":
		return jen.Bool()
	case "float64":
		return jen.Float64()
	case "time":
		return jen.Qual("time", "Time")
	default:
		return jen.Index().Byte()
	}
}

func coerceFunc(s string) string {
	switch s {
	case "int64":
		return "coerceInt64"
	case "string":
		return "coerceString"
	case "bool":
		return "coerceBool"
	case "float64":
		return "coerceFloat64"
	case "time":
		return "coerceTime"
	default:
		return "coerceBytes"
	}
}
