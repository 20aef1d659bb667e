package zarr

import "fmt"

// strides computes the C-order strides for a given shape.
func strides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	s := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = stride
		stride *= shape[i]
	}
	return s
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// copyND recursively copies n-dimensional data from src to dst.
func copyND(
	dst []byte, dstStrides, dstOffset []int,
	src []byte, srcStrides, srcOffset []int,
	copyShape []int, itemSize int,
) {
	if len(copyShape) == 0 {
		// 0D scalar array: exactly one element
		copy(dst[:itemSize], src[:itemSize])
		return
	}

	startSrcIdx := 0
	startDstIdx := 0
	for i := range copyShape {
		startSrcIdx += srcOffset[i] * srcStrides[i]
		startDstIdx += dstOffset[i] * dstStrides[i]
	}

	var iterate func(dim int, currentSrcIdx, currentDstIdx int)
	iterate = func(dim int, currentSrcIdx, currentDstIdx int) {
		// bulk copy for the innermost contiguous dimension
		if dim == len(copyShape)-1 {
			n := copyShape[dim]
			if srcStrides[dim] == 1 && dstStrides[dim] == 1 {
				byteLen := n * itemSize
				srcStart := currentSrcIdx * itemSize
				dstStart := currentDstIdx * itemSize
				copy(dst[dstStart:dstStart+byteLen], src[srcStart:srcStart+byteLen])
				return
			}
			for i := 0; i < n; i++ {
				srcStart := (currentSrcIdx + i*srcStrides[dim]) * itemSize
				dstStart := (currentDstIdx + i*dstStrides[dim]) * itemSize
				copy(dst[dstStart:dstStart+itemSize], src[srcStart:srcStart+itemSize])
			}
			return
		}

		for i := 0; i < copyShape[dim]; i++ {
			iterate(dim+1, currentSrcIdx+i*srcStrides[dim], currentDstIdx+i*dstStrides[dim])
		}
	}
	iterate(0, startSrcIdx, startDstIdx)
}

// Transpose reorders the axes of a C-order array. Axis i of the result is
// axis perm[i] of src. It returns the new buffer and its shape.
func Transpose(src []byte, shape, perm []int, itemSize int) ([]byte, []int, error) {
	if len(perm) != len(shape) {
		return nil, nil, fmt.Errorf("permutation rank %d does not match shape rank %d", len(perm), len(shape))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
	}
	if want := numElements(shape) * itemSize; len(src) != want {
		return nil, nil, fmt.Errorf("buffer holds %d bytes, shape %v needs %d", len(src), shape, want)
	}

	srcStrides := strides(shape)
	outShape := make([]int, len(shape))
	permStrides := make([]int, len(shape))
	for i, p := range perm {
		outShape[i] = shape[p]
		permStrides[i] = srcStrides[p]
	}

	out := make([]byte, len(src))
	if len(src) == 0 {
		return out, outShape, nil
	}
	zero := make([]int, len(shape))
	copyND(out, strides(outShape), zero, src, permStrides, zero, outShape, itemSize)
	return out, outShape, nil
}
