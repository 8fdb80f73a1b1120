package pos

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target/mock"
)

var rsyncListing = `drwxrwxr-x          4,096 2018/10/19 00:41:04 .
drwxr-xr-x          4,096 2018/10/11 06:24:44 clear:live:25550::x86_64
drwxr-xr-x          4,096 2018/10/11 06:24:44 clear:live:25890::x86_64
dr-xr-xr-x          4,096 2018/04/24 23:10:02 fedora:workstation:28::x86_64
dr-xr-xr-x          4,096 2018/04/24 23:10:02 fedora:workstation:29::x86_64
dr-xr-xr-x          4,096 2018/05/18 00:31:04 yocto:core-image-minimal:2.5.1::x86
lrwxrwxrwx             16 2018/10/18 23:46:07 lost+found
`

func TestParseImageSpecRoundTrip(t *testing.T) {
	for _, name := range []string{
		"fedora",
		"fedora:workstation",
		"fedora:workstation:28",
		"clear:live:25550:beta",
		"clear:live:25550::x86_64",
	} {
		assert.Equal(t, name, ParseImageSpec(name).String(), name)
	}

	spec := ParseImageSpec("fedora:workstation:28::x86_64")
	assert.Equal(t, "fedora", spec.Distro)
	assert.Equal(t, "workstation", spec.Spin)
	assert.Equal(t, "28", spec.Version)
	assert.Equal(t, "", spec.Subversion)
	assert.Equal(t, "x86_64", spec.Arch)
}

func TestImageListFromRsync(t *testing.T) {
	images := ImageListFromRsync(rsyncListing)
	require.Len(t, images, 5)
	assert.Equal(t, "clear", images[0].Distro)
	// "." and "lost+found" aren't images
	for _, i := range images {
		assert.NotEmpty(t, i.Spin)
	}
}

func TestSelectBestCompletesPartialSpec(t *testing.T) {
	images := ImageListFromRsync(rsyncListing)
	rep := mock.NewReporter()
	rng := rand.New(rand.NewSource(1))

	pick, err := SelectBest("fedora", images, "x86_64", rng, rep)
	require.NoError(t, err)
	// spin is a wildcard, version resolves to the highest
	assert.Equal(t, "fedora:workstation:29::x86_64", pick.String())

	pick, err = SelectBest("fedora:workstation:28", images, "x86_64", rng, rep)
	require.NoError(t, err)
	assert.Equal(t, "28", pick.Version)

	pick, err = SelectBest("clear", images, "x86_64", rng, rep)
	require.NoError(t, err)
	assert.Equal(t, "25890", pick.Version)
}

func TestSelectBestNoArchitecture(t *testing.T) {
	images := ImageListFromRsync(rsyncListing)
	rep := mock.NewReporter()

	_, err := SelectBest("fedora", images, "", nil, rep)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	assert.Contains(t, err.Error(), "ARCHITECTURE")
}

func TestSelectBestNoMatch(t *testing.T) {
	images := ImageListFromRsync(rsyncListing)
	rep := mock.NewReporter()

	_, err := SelectBest("debian", images, "x86_64", nil, rep)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))

	// wrong spin for the distro
	_, err = SelectBest("fedora:server", images, "x86_64", nil, rep)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))

	// architecture nobody publishes
	_, err = SelectBest("fedora", images, "riscv64", nil, rep)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
}

func TestSelectBestNoMatchingVersion(t *testing.T) {
	images := ImageListFromRsync(rsyncListing)
	rep := mock.NewReporter()

	// only 28 and 29 are published
	_, err := SelectBest("fedora::30", images, "x86_64", nil, rep)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	assert.Contains(t, err.Error(), "version 30")

	// right version, subversion nobody publishes
	_, err = SelectBest("fedora:workstation:29:1", images, "x86_64", nil, rep)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	assert.Contains(t, err.Error(), "subversion 1")
}

func TestSelectBestUnparsableVersionRanksAsZero(t *testing.T) {
	images := []ImageSpec{
		ParseImageSpec("clear:live:garbage::x86_64"),
		ParseImageSpec("clear:live:25550::x86_64"),
	}
	rep := mock.NewReporter()
	pick, err := SelectBest("clear", images, "x86_64", nil, rep)
	require.NoError(t, err)
	assert.Equal(t, "25550", pick.Version)
}

func TestSeedMatchPrefersClosestVersion(t *testing.T) {
	parts := map[string]string{
		"part1": "clear:live:25550::x86_64",
		"part2": "fedora:workstation:28::x86_64",
		"part3": "rtk::91",
		"part4": "rtk::90",
		"part5": "rtk::114",
	}

	name, score, checkEmpties, seed := SeedMatch(parts, "rtk::112")
	assert.Equal(t, "part5", name)
	assert.Equal(t, "rtk::114", seed)
	assert.Greater(t, score, 0.9)
	assert.False(t, checkEmpties)

	name, _, _, seed = SeedMatch(parts, "clear:live:25551::x86_64")
	assert.Equal(t, "part1", name)
	assert.Equal(t, "clear:live:25550::x86_64", seed)
}

func TestSeedMatchDistroGate(t *testing.T) {
	parts := map[string]string{
		"part1": "clear:live:25550::x86_64",
		"part2": "fedora:workstation:28::x86_64",
	}
	name, score, _, _ := SeedMatch(parts, "yocto:core-image-minimal:2.5::x86")
	assert.Equal(t, "", name)
	assert.Equal(t, 0.0, score)
}

func TestSeedMatchChecksEmptiesAcrossSpins(t *testing.T) {
	parts := map[string]string{
		"part1": "fedora:cloud:29::x86_64",
	}
	name, score, checkEmpties, _ := SeedMatch(parts,
		"fedora:workstation:29::x86_64")
	assert.Equal(t, "part1", name)
	assert.Greater(t, score, 0.0)
	// same distro, different spin: an empty partition is a better bet
	assert.True(t, checkEmpties)
}
