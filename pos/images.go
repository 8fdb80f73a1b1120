// Package pos implements the Provisioning OS deploy engine: booting a
// target into the provisioning environment, selecting and flashing OS
// images over rsync, and handing off to the boot-configuration drivers.
package pos

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	goversion "github.com/hashicorp/go-version"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// ImageSpec names an OS image as DISTRO:SPIN:VERSION:SUBVERSION:ARCH,
// eg fedora:workstation:28::x86_64. Any trailing fields may be empty;
// empty fields are wildcards during selection.
type ImageSpec struct {
	Distro     string
	Spin       string
	Version    string
	Subversion string
	Arch       string
}

// ParseImageSpec splits an image name into its five fields; missing
// trailing fields stay empty.
func ParseImageSpec(s string) ImageSpec {
	var spec ImageSpec
	fields := strings.SplitN(s, ":", 5)
	n := len(fields)
	if n > 0 {
		spec.Distro = fields[0]
	}
	if n > 1 {
		spec.Spin = fields[1]
	}
	if n > 2 {
		spec.Version = fields[2]
	}
	if n > 3 {
		spec.Subversion = fields[3]
	}
	if n > 4 {
		spec.Arch = fields[4]
	}
	return spec
}

// String renders the spec with empty trailing fields dropped, so
// ParseImageSpec(spec.String()) round-trips.
func (s ImageSpec) String() string {
	joined := strings.Join([]string{
		s.Distro, s.Spin, s.Version, s.Subversion, s.Arch}, ":")
	return strings.TrimRight(joined, ":")
}

// full renders all five fields, for similarity scoring.
func (s ImageSpec) full() string {
	return strings.Join([]string{
		s.Distro, s.Spin, s.Version, s.Subversion, s.Arch}, ":")
}

// ImageListFromRsync parses the directory listing an rsync server
// prints, eg:
//
//	drwxr-xr-x          4,096 2018/10/11 06:24:44 clear:live:25550
//	dr-xr-xr-x          4,096 2018/04/24 23:10:02 fedora:cloud-base-x86-64:28
//
// Only entries whose name contains a ":" are images.
func ImageListFromRsync(output string) []ImageSpec {
	var images []ImageSpec
	for _, line := range strings.Split(output, "\n") {
		tokens := strings.Fields(line)
		if len(tokens) != 5 {
			continue
		}
		name := tokens[4]
		if !strings.Contains(name, ":") {
			continue
		}
		images = append(images, ParseImageSpec(name))
	}
	return images
}

// looseVersion parses a version field for comparison; empty or
// unparsable fields rank as version 0.
func looseVersion(s string) *goversion.Version {
	if s == "" {
		s = "0"
	}
	v, err := goversion.NewVersion(s)
	if err != nil {
		v, _ = goversion.NewVersion("0")
	}
	return v
}

// SelectBest picks the available image that best completes the
// (possibly partial) requested image spec: exact architecture match
// (falling back to archDefault when the spec names none), then distro
// and spin filters, then the highest version and subversion when those
// are unspecified. Several images can survive all filters when the
// request was vague; one is picked at random.
func SelectBest(image string, available []ImageSpec, archDefault string,
	rng *rand.Rand, report target.Reporter) (ImageSpec, error) {

	spec := ParseImageSpec(image)

	arch := spec.Arch
	if arch == "" {
		arch = archDefault
	}
	if arch == "" {
		hint := spec
		hint.Arch = "ARCHITECTURE"
		return ImageSpec{}, errors.Blockedf(
			"no architecture specified (image %s), nor could it be guessed"+
				" from the target; try specifying the image as %s",
			image, hint.full())
	}
	report.Info("POS: goal image spec: %s", spec.full())

	var archImages []ImageSpec
	for _, i := range available {
		if i.Arch == arch {
			archImages = append(archImages, i)
		}
	}
	if len(archImages) == 0 {
		return ImageSpec{}, errors.Blockedf(
			"can't find image for architecture %s in list of available images",
			arch).WithAttachment("images available", specList(available))
	}

	distroImages := archImages
	if spec.Distro != "" {
		distroImages = nil
		for _, i := range archImages {
			if i.Distro == spec.Distro {
				distroImages = append(distroImages, i)
			}
		}
	}

	spinImages := distroImages
	if spec.Spin != "" {
		spinImages = nil
		for _, i := range distroImages {
			if i.Spin == spec.Spin {
				spinImages = append(spinImages, i)
			}
		}
	}
	if len(spinImages) == 0 {
		return ImageSpec{}, errors.Blockedf(
			"can't find match for image %s on available images", image).
			WithAttachment("images available", specList(available))
	}

	versionImages := filterHighest(spinImages, spec.Version,
		func(i ImageSpec) string { return i.Version })
	if len(versionImages) == 0 {
		return ImageSpec{}, errors.Blockedf(
			"can't find image matching version %s for image %s",
			spec.Version, image).
			WithAttachment("images available", specList(spinImages))
	}
	subversionImages := filterHighest(versionImages, spec.Subversion,
		func(i ImageSpec) string { return i.Subversion })
	if len(subversionImages) == 0 {
		return ImageSpec{}, errors.Blockedf(
			"can't find image matching subversion %s for image %s",
			spec.Subversion, image).
			WithAttachment("images available", specList(versionImages))
	}

	// the request may have been vague enough that several images
	// qualify; any of them satisfies it
	pick := subversionImages[intn(rng, len(subversionImages))]
	report.Info("POS: selected image %s for %s", pick.full(), image)
	return pick, nil
}

// filterHighest keeps the images whose field equals want; when want is
// empty, it resolves to the highest version present.
func filterHighest(images []ImageSpec, want string, field func(ImageSpec) string) []ImageSpec {
	var wantv *goversion.Version
	if want == "" {
		for _, i := range images {
			v := looseVersion(field(i))
			if wantv == nil || v.GreaterThan(wantv) {
				wantv = v
			}
		}
	} else {
		wantv = looseVersion(want)
	}
	var out []ImageSpec
	for _, i := range images {
		if looseVersion(field(i)).Equal(wantv) {
			out = append(out, i)
		}
	}
	return out
}

func intn(rng *rand.Rand, n int) int {
	if n <= 1 {
		return 0
	}
	if rng != nil {
		return rng.Intn(n)
	}
	return rand.Intn(n)
}

func specList(images []ImageSpec) string {
	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.full()
	}
	return strings.Join(names, "\n")
}

// SeedMatch scores the images seeded on a target's root partitions
// against the image about to be flashed and returns the most similar
// one; flashing on top of a near-identical tree makes rsync's job
// cheap. A partition seeded with another distro scores zero. The
// checkEmpties return asks the caller to prefer an empty partition
// anyway: the best match is the same distro but a different spin, and
// different spins diverge enough that seeding buys little.
func SeedMatch(parts map[string]string, goal string) (name string, score float64, checkEmpties bool, seed string) {
	goalSpec := ParseImageSpec(goal)

	names := make([]string, 0, len(parts))
	for n := range parts {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, partName := range names {
		seedSpec := ParseImageSpec(parts[partName])
		partScore := 0.0
		if seedSpec.Distro == goalSpec.Distro {
			// a distribution match is the entry fee
			partScore = similarity(goalSpec.full(), seedSpec.full())
		}
		if partScore > score {
			score = partScore
			name = partName
			seed = parts[partName]
		}
	}
	if name != "" {
		matched := ParseImageSpec(seed)
		checkEmpties = matched.Distro == goalSpec.Distro &&
			matched.Spin != goalSpec.Spin
	}
	return name, score, checkEmpties, seed
}

// similarity is the normalized edit-distance ratio between two
// rendered specs: (lensum - distance) / lensum.
func similarity(a, b string) float64 {
	lensum := len(a) + len(b)
	if lensum == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return float64(lensum-dist) / float64(lensum)
}
