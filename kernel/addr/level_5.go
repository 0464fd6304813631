// +build kaslr5level

package addr

func init() {
	maxLevel = LevelPML5
}
