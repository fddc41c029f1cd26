package stage

// Costs are integer credit units. A premium provider only changes the price of
// a SHOT; every other stage type has a flat cost.
var baseCost = map[StageType]int{
	Storyboard:  2,
	Script:      2,
	Direction:   2,
	Consistency: 2,
	Voice:       5,
	Music:       5,
	Composite:   3,
	Inpaint:     3,
	Upscale:     3,
	Shot:        5,
}

const premiumShotCost = 50

// Cost returns the credit units reserved for the primary attempt of st.
func Cost(st StageType, premium bool) int {
	if st == Shot && premium {
		return premiumShotCost
	}
	if c, ok := baseCost[st]; ok {
		return c
	}
	return 1
}

// FallbackCost returns the reduced reservation used for each fallback attempt.
func FallbackCost(primary int) int {
	if primary/2 < 1 {
		return 1
	}
	return primary / 2
}
