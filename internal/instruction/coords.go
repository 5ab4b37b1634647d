package instruction

import "fmt"

const (
	// CubeSize is the edge length of the cube in voxels.
	CubeSize = 8
	// Voxels is the total number of addressable voxels.
	Voxels = CubeSize * CubeSize * CubeSize
)

// Point is a voxel coordinate. Each axis must lie in [0, CubeSize).
type Point struct {
	X, Y, Z int
}

// Validate checks that every axis is inside the cube.
func (p Point) Validate() error {
	if !inCube(p.X) || !inCube(p.Y) || !inCube(p.Z) {
		return fmt.Errorf("position (%d, %d, %d) is outside the %dx%dx%d cube",
			p.X, p.Y, p.Z, CubeSize, CubeSize, CubeSize)
	}
	return nil
}

// Index maps the point to the streaming pixel index z*64 + x*8 + y.
func (p Point) Index() (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.Z*CubeSize*CubeSize + p.X*CubeSize + p.Y, nil
}

// Coords inverts Point.Index.
func Coords(index int) (Point, error) {
	if err := checkIndex(index); err != nil {
		return Point{}, err
	}
	return Point{
		X: (index / CubeSize) % CubeSize,
		Y: index % CubeSize,
		Z: index / (CubeSize * CubeSize),
	}, nil
}

func inCube(v int) bool { return v >= 0 && v < CubeSize }

// Color is an RGB triple with 8-bit channels.
type Color struct {
	R, G, B int
}

// White is used for plain on/off voxel primitives.
var White = Color{R: 255, G: 255, B: 255}

// NewColor validates channel ranges.
func NewColor(r, g, b int) (Color, error) {
	for _, ch := range []int{r, g, b} {
		if ch < 0 || ch > 255 {
			return Color{}, fmt.Errorf("color channel %d out of range [0,255]", ch)
		}
	}
	return Color{R: r, G: g, B: b}, nil
}

// IsBlack reports whether all channels are zero.
func (c Color) IsBlack() bool { return c.R == 0 && c.G == 0 && c.B == 0 }
