package util

import (
	"github.com/duke-git/lancet/v2/slice"
)

// SliceContains 判断切片是否包含元素
func SliceContains[T comparable](s []T, item T) bool {
	return slice.Contain(s, item)
}

// SliceUnique 切片去重
func SliceUnique[T comparable](s []T) []T {
	return slice.Unique(s)
}

// SliceFilter 过滤切片
func SliceFilter[T any](s []T, fn func(index int, item T) bool) []T {
	return slice.Filter(s, fn)
}

// SliceMap 映射切片
func SliceMap[T any, U any](s []T, fn func(index int, item T) U) []U {
	return slice.Map(s, fn)
}

// SliceDifference 切片差集，返回在s1中且不在s2中的元素
func SliceDifference[T comparable](s1, s2 []T) []T {
	return slice.Difference(s1, s2)
}

// SliceSortStrings 字符串切片排序后返回
func SliceSortStrings(s []string) []string {
	slice.Sort(s)
	return s
}
