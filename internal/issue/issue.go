// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

const (
	PackageResolutionFailedId Id = iota + 1
	DownloadFailedId
	CompilationFailedId
	DependencyConflictId
	DataGenerationFailedId
	SourceTreeMissingId
	ContainerEngineNotFoundId
	ConfigLoadFailedId
	PushFailedId
	VerificationFailedId
)

type (
	// Id identifies an issue in the catalogue.
	Id int

	// MarkdownMsg is Markdown text rendered by glamour.
	MarkdownMsg string

	// HttpLink is an external documentation link.
	HttpLink string

	// Issue is one page of failure guidance.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

var (
	render = glamour.Render

	packageResolutionFailedIssue = &Issue{
		id: PackageResolutionFailedId,
		mdMsg: `
# A system package could not be resolved

apt could not find or install a package. This usually means the package index
is stale, a package source (the deadsnakes PPA) is unreachable, or the pinned
interpreter version is not published for the base image's distribution.

## Things you can try
- Rebuild without the layer cache:
~~~
$ af3c build --no-cache <tag>
~~~
- Check that ` + "`python.version`" + ` in your config is published for the base image release
- Check network access from the build host to the Ubuntu mirrors and launchpad.net`,
		docLinks: []HttpLink{"https://launchpad.net/~deadsnakes/+archive/ubuntu/ppa"},
	}

	downloadFailedIssue = &Issue{
		id: DownloadFailedId,
		mdMsg: `
# The HMMER source archive could not be downloaded

The build fetches a pinned HMMER release before compiling it. Downloads are not
retried; the whole build must be restarted.

## Things you can try
- Check that ` + "`hmmer.url`" + ` resolves from the build host
- Pin a ` + "`hmmer.version`" + ` that is still published upstream`,
		docLinks: []HttpLink{"http://eddylab.org/software/hmmer/"},
	}

	compilationFailedIssue = &Issue{
		id: CompilationFailedId,
		mdMsg: `
# HMMER failed to compile

configure, make or make install exited non-zero.

## Things you can try
- Lower ` + "`hmmer.jobs`" + ` if the build host is running out of memory
- Run with ` + "`--verbose`" + ` to see the full compiler output`,
	}

	dependencyConflictIssue = &Issue{
		id: DependencyConflictId,
		mdMsg: `
# Python dependency installation failed

pip could not satisfy the pinned requirements, or the editable install of the
program conflicted with them. The pinned list is always installed first and the
program itself is installed with ` + "`--no-deps`" + `.

## Things you can try
- Check the requirements file in the source tree for conflicting pins
- Check that the pins support the interpreter version in ` + "`python.version`",
	}

	dataGenerationFailedIssue = &Issue{
		id: DataGenerationFailedId,
		mdMsg: `
# The chemical components database could not be generated

The data command shipped with the program failed inside the image.

## Things you can try
- Check that the program installed correctly in the previous step
- Check that ` + "`app.data_command`" + ` names a console script the program provides`,
	}

	sourceTreeMissingIssue = &Issue{
		id: SourceTreeMissingId,
		mdMsg: `
# The program source tree was not found

The provisioner copies a local checkout of AF3Complex into the image.

## Things you can try
- Clone the program next to your config, or pass ` + "`--source <dir>`" + `
- Run ` + "`af3c doctor`" + ` to check the tree layout`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine is available

af3c drives the Docker or Podman CLI.

## Things you can try
- Install Docker (https://docs.docker.com/get-docker/) or Podman (https://podman.io)
- Select one explicitly with ` + "`--engine docker`" + ` or ` + "`--engine podman`",
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# The configuration could not be loaded

## Things you can try
- Print the effective configuration:
~~~
$ af3c config show
~~~
- Write a fresh default file with ` + "`af3c config init`",
	}

	pushFailedIssue = &Issue{
		id: PushFailedId,
		mdMsg: `
# The image could not be pushed

## Things you can try
- Use a registry-qualified tag such as ` + "`ghcr.io/<org>/af3complex:latest`" + `
- Log in to the registry with your engine's login command`,
	}

	verificationFailedIssue = &Issue{
		id: VerificationFailedId,
		mdMsg: `
# The image failed verification

One or more post-build checks failed. The image may still start, but the
program may resolve the wrong interpreter or run with the wrong accelerator
settings.

## Things you can try
- Rebuild with ` + "`--no-cache`" + ` and verify again
- Compare ` + "`af3c render`" + ` output against the image history`,
	}

	issues = map[Id]*Issue{
		packageResolutionFailedIssue.Id(): packageResolutionFailedIssue,
		downloadFailedIssue.Id():          downloadFailedIssue,
		compilationFailedIssue.Id():       compilationFailedIssue,
		dependencyConflictIssue.Id():      dependencyConflictIssue,
		dataGenerationFailedIssue.Id():    dataGenerationFailedIssue,
		sourceTreeMissingIssue.Id():       sourceTreeMissingIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		pushFailedIssue.Id():              pushFailedIssue,
		verificationFailedIssue.Id():      verificationFailedIssue,
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the issue as terminal-styled Markdown using the given glamour
// style ("dark", "light", "notty", ... or a path to a JSON style).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- " + string(link) + "\n"
		}
	}
	return render(md, stylePath)
}

// Values returns every issue in the catalogue, ordered by Id.
func Values() []*Issue {
	out := slices.Collect(maps.Values(issues))
	slices.SortFunc(out, func(a, b *Issue) int { return int(a.id - b.id) })
	return out
}

// Get returns the issue for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
