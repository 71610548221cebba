package subscription

// Effect names an externally observable side effect requested by the machine.
type Effect string

const (
	EffectSendWelcomeEmail        Effect = "send_welcome_email"
	EffectSendTrialCancelledEmail Effect = "send_trial_cancelled_email"
	EffectSendCancelledEmail      Effect = "send_cancelled_email"
	EffectSendCompletedEmail      Effect = "send_completed_email"
	EffectChargeCustomer          Effect = "charge_customer"
)

// Effects lists every effect the machine can request.
func Effects() []Effect {
	return []Effect{
		EffectSendWelcomeEmail,
		EffectSendTrialCancelledEmail,
		EffectSendCancelledEmail,
		EffectSendCompletedEmail,
		EffectChargeCustomer,
	}
}
